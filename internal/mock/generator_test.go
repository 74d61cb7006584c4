package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voip-ivr/ivr-handler/internal/ari"
	"github.com/voip-ivr/ivr-handler/internal/dispatch"
	"github.com/voip-ivr/ivr-handler/internal/menu"
	"github.com/voip-ivr/ivr-handler/internal/notify"
	"github.com/voip-ivr/ivr-handler/internal/retry"
	"github.com/voip-ivr/ivr-handler/internal/session"
)

type recordSink struct {
	mu      sync.Mutex
	records []notify.Record
}

func (s *recordSink) Enqueue(_ context.Context, r notify.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func eventsFor(events []ari.Event, channelID string) []string {
	var types []string
	for _, ev := range events {
		if ev.ChannelID() == channelID {
			types = append(types, ev.Type)
		}
	}
	return types
}

func TestGenerator_StaggersCallStarts(t *testing.T) {
	g := NewGenerator(time.Millisecond, nil)

	first := g.advance()
	if len(first) != 1 || first[0].Type != ari.TypeStasisStart || first[0].ChannelID() != "mock-queue-1" {
		t.Fatalf("first tick = %+v, want one StasisStart for mock-queue-1", first)
	}
	if first[0].CallerNumber() != "5551230001" {
		t.Errorf("caller = %q", first[0].CallerNumber())
	}
	if len(first[0].Raw) == 0 {
		t.Error("event has no raw frame")
	}

	second := g.advance()
	if got := eventsFor(second, "mock-forward-1"); len(got) != 1 || got[0] != ari.TypeStasisStart {
		t.Errorf("second tick for forward call = %v, want [StasisStart]", got)
	}
}

func TestGenerator_UnansweredScriptEndsItself(t *testing.T) {
	g := NewGenerator(time.Millisecond, nil)

	var all []ari.Event
	for i := 0; i < 6; i++ {
		all = append(all, g.advance()...)
	}

	// Nothing answered the control requests, so the queue call ends on
	// its own after its two digits.
	want := []string{ari.TypeStasisStart, ari.TypeChannelDtmfReceived, ari.TypeChannelDtmfReceived, ari.TypeStasisEnd}
	got := eventsFor(all, "mock-queue-1")
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestGenerator_ControlEndsCall(t *testing.T) {
	g := NewGenerator(time.Millisecond, nil)
	g.advance() // start mock-queue-1

	if err := g.Route(context.Background(), "mock-queue-1", "Queue 1.1"); err != nil {
		t.Fatal(err)
	}
	// A second request for the same call is ignored.
	_ = g.Hangup(context.Background(), "mock-queue-1")

	next := g.advance()
	if len(next) == 0 || next[0].Type != ari.TypeStasisEnd || next[0].ChannelID() != "mock-queue-1" {
		t.Fatalf("next tick = %+v, want StasisEnd for mock-queue-1 first", next)
	}
	if got := eventsFor(next, "mock-queue-1"); len(got) != 1 {
		t.Errorf("expected a single event for ended call, got %v", got)
	}
}

func TestGenerator_CallsRestartWithNewChannel(t *testing.T) {
	g := NewGenerator(time.Millisecond, nil)

	seen := false
	for i := 0; i < 20 && !seen; i++ {
		for _, ev := range g.advance() {
			if ev.ChannelID() == "mock-queue-2" && ev.Type == ari.TypeStasisStart {
				seen = true
			}
		}
	}
	if !seen {
		t.Fatal("queue call never restarted")
	}
}

func TestGenerator_DrivesDispatcher(t *testing.T) {
	g := NewGenerator(time.Millisecond, nil)
	reg := session.NewRegistry(nil)
	sink := &recordSink{}
	exec := ari.NewExecutor(g, retry.Once(), nil, nil, nil)
	d := dispatch.New(menu.Default(), reg, exec, sink, dispatch.Config{DefaultPrompt: "sound:beep"}, nil, nil)

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		for _, ev := range g.advance() {
			d.Handle(ctx, ev)
		}
	}

	if _, ok := reg.Get("mock-queue-1"); ok {
		t.Error("routed call still has a session")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var routed, forwarded, cancelled bool
	for _, r := range sink.records {
		switch {
		case r.ChannelID == "mock-queue-1" && r.Action == "Goto(Queue 1.1)":
			routed = r.Success
		case r.ChannelID == "mock-forward-1" && r.Action == "ForwardNumber(2.0)":
			forwarded = r.Success
		case r.ChannelID == "mock-agent-1" && r.Action == dispatch.ActionCancelProcess:
			cancelled = true
		}
	}
	if !routed || !forwarded || !cancelled {
		t.Errorf("routed=%v forwarded=%v cancelled=%v; records: %+v", routed, forwarded, cancelled, sink.records)
	}
}

func TestGenerator_RunStopsOnCancel(t *testing.T) {
	g := NewGenerator(time.Millisecond, nil)
	out := make(chan ari.Event, 64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, out) }()

	select {
	case ev := <-out:
		if ev.Type != ari.TypeStasisStart {
			t.Errorf("first event = %s, want StasisStart", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
