// Package notify delivers step-transition records to an external HTTP
// endpoint. Delivery is best effort: failed records are logged and
// dropped. The queue is separate from the inbound event queue, so a slow
// endpoint never delays call handling.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/voip-ivr/ivr-handler/internal/health"
	"github.com/voip-ivr/ivr-handler/internal/metrics"
	"github.com/voip-ivr/ivr-handler/internal/session"
)

const (
	defaultQueueSize = 1024
	defaultTimeout   = 10 * time.Second
	apiKeyHeader     = "X-API-KEY"
)

// Record describes one observable step of a call.
type Record struct {
	ID        string            `json:"id"`
	ChannelID string            `json:"channelId"`
	Digit     string            `json:"digit,omitempty"`
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Node      string            `json:"node,omitempty"`
	Success   bool              `json:"success"`
	Timestamp time.Time         `json:"timestamp"`
	Session   *session.Snapshot `json:"session,omitempty"`
}

// NewRecord returns a record for channelID with a fresh id and timestamp.
func NewRecord(channelID string) Record {
	return Record{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Timestamp: time.Now().UTC(),
	}
}

type Config struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	QueueSize     int
}

// Notifier queues records and posts them one at a time from Run.
type Notifier struct {
	cfg     Config
	queue   chan Record
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	health  *health.Tracker

	// stopped is set once Run has begun draining.
	stopped atomic.Bool
}

// New creates a notifier. With an empty URL records are only logged.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, h *health.Tracker) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		cfg:   cfg,
		queue: make(chan Record, cfg.QueueSize),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger.With("component", "notifier"),
		metrics: m,
		health:  h,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return n
}

// Enqueue adds r to the queue, blocking while the queue is full. It
// returns ctx.Err() if ctx ends first; the record is then discarded.
// Records enqueued after Run has stopped are discarded, never left queued.
func (n *Notifier) Enqueue(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		n.discard(r)
		return err
	}
	select {
	case n.queue <- r:
	case <-ctx.Done():
		n.discard(r)
		return ctx.Err()
	}
	if n.stopped.Load() {
		n.drain()
	}
	return nil
}

// Pending returns the number of queued records.
func (n *Notifier) Pending() int {
	return len(n.queue)
}

// Run delivers queued records until ctx is cancelled, then logs every
// record left in the queue as discarded.
func (n *Notifier) Run(ctx context.Context) error {
	if n.cfg.URL == "" {
		n.logger.Info("no notification endpoint configured, logging records only")
	}
	for {
		if ctx.Err() != nil {
			n.stop()
			return nil
		}
		select {
		case <-ctx.Done():
			n.stop()
			return nil
		case r := <-n.queue:
			n.deliver(ctx, r)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, r Record) {
	if n.cfg.URL == "" {
		n.logger.Info("step",
			"id", r.ID,
			"channel_id", r.ChannelID,
			"digit", r.Digit,
			"action", r.Action,
			"outcome", r.Outcome,
			"node", r.Node,
			"success", r.Success)
		n.metrics.RecordNotification(true)
		return
	}

	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			n.discard(r)
			return
		}
	}

	if err := n.post(ctx, r); err != nil {
		if ctx.Err() != nil {
			n.discard(r)
			return
		}
		n.metrics.RecordNotification(false)
		n.health.RecordFailure(health.Notifier, err)
		n.logger.Error("notification delivery failed", "id", r.ID, "channel_id", r.ChannelID, "error", err)
		return
	}
	n.metrics.RecordNotification(true)
	n.health.RecordSuccess(health.Notifier)
	n.logger.Debug("notification delivered", "id", r.ID, "channel_id", r.ChannelID)
}

func (n *Notifier) post(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, n.cfg.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return nil
}

func (n *Notifier) stop() {
	n.stopped.Store(true)
	n.drain()
}

func (n *Notifier) drain() {
	for {
		select {
		case r := <-n.queue:
			n.discard(r)
		default:
			return
		}
	}
}

func (n *Notifier) discard(r Record) {
	n.metrics.RecordDiscarded("notify")
	n.logger.Warn("discarding notification at shutdown",
		"id", r.ID,
		"channel_id", r.ChannelID,
		"digit", r.Digit,
		"action", r.Action)
}
