package ari

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voip-ivr/ivr-handler/internal/health"
	"github.com/voip-ivr/ivr-handler/internal/metrics"
	"github.com/voip-ivr/ivr-handler/internal/retry"
)

const (
	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultPingInterval  = 30 * time.Second
	defaultPongTimeout   = 60 * time.Second
	writeTimeout         = 10 * time.Second
)

// StreamConfig configures the event stream connection.
type StreamConfig struct {
	URL             string
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ConnectAttempts int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	Dialer          *websocket.Dialer
}

// EventsURL builds the websocket URL of the switch event stream.
func EventsURL(host string, port int, useTLS bool, user, password, app string) string {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("api_key", user+":"+password)
	q.Set("app", app)
	u := url.URL{
		Scheme:   scheme,
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/ari/events",
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Stream maintains the event stream connection and decodes frames into
// Events. It reconnects with exponential backoff until its context ends.
type Stream struct {
	cfg     StreamConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	health  *health.Tracker

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStream(cfg StreamConfig, logger *slog.Logger, m *metrics.Metrics, h *health.Tracker) *Stream {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		cfg:     cfg,
		logger:  logger.With("component", "event_stream"),
		metrics: m,
		health:  h,
	}
}

// Connect establishes the initial connection, trying up to
// ConnectAttempts times. Failure wraps ErrConnect and is fatal to startup.
func (s *Stream) Connect(ctx context.Context) error {
	policy := retry.Config{
		MaxAttempts:  s.cfg.ConnectAttempts,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
	var conn *websocket.Conn
	err := retry.Do(ctx, policy, func() error {
		c, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("event stream connect attempt failed", "url", redact(s.cfg.URL), "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		s.health.RecordFailure(health.EventStream, err)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", redact(s.cfg.URL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(s.cfg.URL), err)
	}
	return conn, nil
}

// takeConn hands over the connection made by Connect, if any.
func (s *Stream) takeConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conn
	s.conn = nil
	return c
}

// Run reads events into out until ctx is cancelled. Disconnects are
// logged and followed by reconnect attempts with exponential backoff.
// Sends to out block, so a full queue slows the reader down rather than
// losing events. Run returns nil on cancellation.
func (s *Stream) Run(ctx context.Context, out chan<- Event) error {
	backoff := retry.Backoff{Base: s.cfg.ReconnectBase, Max: s.cfg.ReconnectMax, Multiplier: 2, Jitter: true}

	for {
		conn := s.takeConn()
		if conn == nil {
			c, err := s.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				delay := backoff.Next()
				s.health.RecordFailure(health.EventStream, err)
				s.logger.Warn("event stream reconnect failed", "error", err, "retry_in", delay)
				if err := retry.Sleep(ctx, delay); err != nil {
					return nil
				}
				continue
			}
			conn = c
		}

		backoff.Reset()
		s.health.RecordSuccess(health.EventStream)
		s.metrics.RecordStreamConnected(true)
		s.logger.Info("event stream connected", "url", redact(s.cfg.URL))

		err := s.readLoop(ctx, conn, out)
		s.metrics.RecordStreamConnected(false)
		if ctx.Err() != nil {
			s.logger.Info("event stream closed")
			return nil
		}

		delay := backoff.Next()
		s.metrics.RecordReconnect()
		s.health.RecordFailure(health.EventStream, err)
		s.logger.Warn("event stream disconnected", "error", err, "retry_in", delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// readLoop pumps frames from conn until it fails or ctx ends. It always
// closes conn before returning.
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Event) error {
	done := make(chan struct{})
	defer close(done)

	// Closing the connection is the only way to unblock ReadMessage.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	go s.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		ev, err := Decode(data)
		if err != nil {
			s.metrics.RecordDecodeError()
			s.logger.Warn("dropping malformed event frame", "error", err, "bytes", len(data))
			continue
		}
		s.metrics.RecordEvent(ev.Type)

		select {
		case out <- ev:
		case <-ctx.Done():
			s.metrics.RecordDiscarded("ingest")
			s.logger.Warn("discarding event at shutdown", "type", ev.Type, "channel_id", ev.ChannelID())
			return ctx.Err()
		}
	}
}

func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// redact hides the api_key credentials of a stream URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
