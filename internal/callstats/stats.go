// Package callstats keeps all-time call statistics built from registry
// lifecycle events and persists them across restarts.
package callstats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voip-ivr/ivr-handler/internal/session"
)

const (
	defaultSaveInterval = 30 * time.Second
	eventBuffer         = 256
)

type observed struct {
	ev session.Event
	at time.Time
}

// Tracker observes session lifecycle events and maintains aggregate stats.
// Observe never blocks; Run applies events and periodically saves.
type Tracker struct {
	persist      *Store
	stats        *Stats
	events       chan observed
	saveInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	dirty bool
}

// NewTracker loads existing stats from persist. A zero saveInterval uses
// the default.
func NewTracker(persist *Store, saveInterval time.Duration, logger *slog.Logger) (*Tracker, error) {
	stats, err := persist.Load()
	if err != nil {
		return nil, err
	}
	if saveInterval <= 0 {
		saveInterval = defaultSaveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		persist:      persist,
		stats:        stats,
		events:       make(chan observed, eventBuffer),
		saveInterval: saveInterval,
		logger:       logger.With("component", "call_stats"),
		now:          time.Now,
	}, nil
}

// Observe queues ev for Run. It is safe to use as a registry hook. Events
// that arrive while the buffer is full are dropped.
func (t *Tracker) Observe(ev session.Event) {
	select {
	case t.events <- observed{ev: ev, at: t.now()}:
	default:
		t.logger.Warn("stats buffer full, dropping event", "channel_id", ev.Session.ChannelID)
	}
}

// Run processes events and periodically saves dirty stats. On cancellation
// it applies what is already queued and performs a final save.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drain()
			t.save()
			return nil
		case o := <-t.events:
			t.apply(o)
		case <-ticker.C:
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if dirty {
				t.save()
			}
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case o := <-t.events:
			t.apply(o)
		default:
			return
		}
	}
}

// Stats returns a deep copy of the current aggregate stats.
func (t *Tracker) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

func (t *Tracker) apply(o observed) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := o.ev.Session
	day := t.stats.today(o.at)

	switch o.ev.Type {
	case session.EventNew:
		t.stats.TotalCalls++
		day.Calls++
		if o.ev.Replaced {
			t.stats.DuplicateStarts++
		}
		if o.ev.ActiveCount > t.stats.MaxConcurrentActive {
			t.stats.MaxConcurrentActive = o.ev.ActiveCount
		}

	case session.EventUpdate:
		t.stats.TotalDigits++
		day.Digits++
		t.stats.NodeVisits[s.Node]++
		if s.Digits > t.stats.MaxDigitsPerCall {
			t.stats.MaxDigitsPerCall = s.Digits
		}

	case session.EventTerminal:
		t.stats.EndedCalls++
		t.stats.FinalNodes[s.Node]++
		if !s.StartedAt.IsZero() {
			dur := o.at.Sub(s.StartedAt).Seconds()
			if dur < 0 {
				dur = 0
			}
			t.stats.TotalCallDurationSec += dur
			if dur > t.stats.MaxCallDurationSec {
				t.stats.MaxCallDurationSec = dur
			}
		}
	}

	t.dirty = true
}

func (t *Tracker) save() {
	t.mu.Lock()
	stats := t.stats.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(stats); err != nil {
		t.logger.Error("failed to save call stats", "path", t.persist.Path(), "error", err)
	}
}
