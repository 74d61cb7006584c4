// Package mock simulates a switch for demos: it feeds scripted calls into
// the pipeline and answers control requests the way a switch would.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voip-ivr/ivr-handler/internal/ari"
	"github.com/voip-ivr/ivr-handler/internal/dispatch"
)

const (
	defaultTick  = 500 * time.Millisecond
	restartTicks = 4
	mockApp      = "ivr-mock"
)

type stepKind int

const (
	stepDigit stepKind = iota
	stepUserEvent
	stepHangup
)

type step struct {
	kind   stepKind
	digit  string
	action string
}

type script struct {
	name   string
	caller string
	steps  []step
}

func digits(ds ...string) []step {
	out := make([]step, 0, len(ds))
	for _, d := range ds {
		out = append(out, step{kind: stepDigit, digit: d})
	}
	return out
}

// scripts walk the built-in demo menu.
var scripts = []script{
	{name: "queue", caller: "5551230001", steps: digits("1", "1")},
	{name: "forward", caller: "5551230002", steps: digits("2")},
	{name: "browse", caller: "5551230003", steps: digits("1", "3", "*", "3", "9")},
	{name: "repeat", caller: "5551230004", steps: append(digits("5", "*"), step{kind: stepHangup})},
	{name: "agent", caller: "5551230005", steps: []step{
		{kind: stepDigit, digit: "1"},
		{kind: stepUserEvent, action: dispatch.ActionStartCapturing},
		{kind: stepUserEvent, action: dispatch.ActionCancelProcess},
	}},
}

type mockCall struct {
	script  script
	gen     int
	channel string
	next    int
	started bool
	ended   bool
	idle    int
}

func (c *mockCall) reset(startDelay int) {
	c.gen++
	c.channel = fmt.Sprintf("mock-%s-%d", c.script.name, c.gen)
	c.next = 0
	c.started = false
	c.ended = false
	c.idle = startDelay
}

// Generator is both the event source and the control API of a simulated
// switch. Control requests that end a call (route, forward, hangup) are
// answered with StasisEnd on the next tick.
type Generator struct {
	mu      sync.Mutex
	calls   []*mockCall
	pending []ari.Event
	tick    time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewGenerator returns a generator that advances every call one step per
// tick. A zero tick uses the default.
func NewGenerator(tick time.Duration, logger *slog.Logger) *Generator {
	if tick <= 0 {
		tick = defaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{
		tick:   tick,
		logger: logger.With("component", "mock_switch"),
		now:    time.Now,
	}
	for i, s := range scripts {
		c := &mockCall{script: s}
		c.reset(i)
		g.calls = append(g.calls, c)
	}
	return g
}

// Run emits scripted events until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, out chan<- ari.Event) error {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	g.logger.Info("mock switch started", "calls", len(g.calls), "tick", g.tick)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, ev := range g.advance() {
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// advance moves every call one step and returns the events to emit, with
// switch replies to earlier control requests first.
func (g *Generator) advance() []ari.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	events := g.pending
	g.pending = nil

	for _, c := range g.calls {
		if c.idle > 0 {
			c.idle--
			continue
		}
		if c.ended {
			c.reset(restartTicks)
			continue
		}
		if !c.started {
			c.started = true
			events = append(events, g.event(ari.TypeStasisStart, c, nil))
			continue
		}
		if c.next >= len(c.script.steps) {
			c.ended = true
			events = append(events, g.event(ari.TypeStasisEnd, c, nil))
			continue
		}
		st := c.script.steps[c.next]
		c.next++
		switch st.kind {
		case stepDigit:
			events = append(events, g.event(ari.TypeChannelDtmfReceived, c, func(ev *ari.Event) {
				ev.Digit = st.digit
				ev.DurationMs = 100
			}))
		case stepUserEvent:
			events = append(events, g.event(ari.TypeChannelUserevent, c, func(ev *ari.Event) {
				ev.EventName = st.action
				ev.UserEvent = &ari.UserEvent{
					Action:  st.action,
					Payload: map[string]any{"channel_id": c.channel},
				}
			}))
		case stepHangup:
			c.ended = true
			events = append(events, g.event(ari.TypeChannelHangupRequest, c, func(ev *ari.Event) {
				ev.Cause = 16
				ev.CauseText = "Normal Clearing"
			}))
		}
	}
	return events
}

func (g *Generator) event(typ string, c *mockCall, fill func(*ari.Event)) ari.Event {
	ev := ari.Event{
		Type:        typ,
		Timestamp:   g.now().UTC().Format(time.RFC3339Nano),
		Application: mockApp,
		Channel: &ari.Channel{
			ID:     c.channel,
			Name:   "PJSIP/" + c.script.caller,
			State:  "Up",
			Caller: ari.Caller{Number: c.script.caller},
		},
	}
	if fill != nil {
		fill(&ev)
	}
	ev.Raw, _ = json.Marshal(ev)
	return ev
}

// endCall marks the call on channelID finished and queues the switch's
// StasisEnd. Unknown or already ended channels are ignored.
func (g *Generator) endCall(channelID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if c.channel == channelID && c.started && !c.ended {
			c.ended = true
			g.pending = append(g.pending, g.event(ari.TypeStasisEnd, c, nil))
			return
		}
	}
}

func (g *Generator) PlayMedia(_ context.Context, channelID, media string) error {
	g.logger.Info("play media", "channel_id", channelID, "media", media)
	return nil
}

func (g *Generator) Route(_ context.Context, channelID, destination string) error {
	g.logger.Info("route call", "channel_id", channelID, "destination", destination)
	g.endCall(channelID)
	return nil
}

func (g *Generator) Forward(_ context.Context, channelID, number string) error {
	g.logger.Info("forward call", "channel_id", channelID, "number", number)
	g.endCall(channelID)
	return nil
}

func (g *Generator) Hangup(_ context.Context, channelID string) error {
	g.logger.Info("hang up", "channel_id", channelID)
	g.endCall(channelID)
	return nil
}

var _ ari.Controller = (*Generator)(nil)
