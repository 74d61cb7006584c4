package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voip-ivr/ivr-handler/internal/ari"
)

type scriptedSource struct {
	events []ari.Event
	err    error
}

func (s *scriptedSource) Run(ctx context.Context, out chan<- ari.Event) error {
	for _, ev := range s.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) Run(ctx context.Context, in <-chan ari.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-in:
			c.mu.Lock()
			c.seen = append(c.seen, ev.Type)
			c.mu.Unlock()
		}
	}
}

func (c *collector) Seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

type blockingRunner struct {
	stopped chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	close(b.stopped)
	return nil
}

func TestSupervisor_RunsStagesUntilCancelled(t *testing.T) {
	src := &scriptedSource{events: []ari.Event{
		{Type: ari.TypeStasisStart},
		{Type: ari.TypeChannelDtmfReceived},
		{Type: ari.TypeStasisEnd},
	}}
	col := &collector{}
	notifier := &blockingRunner{stopped: make(chan struct{})}
	sup := New(src, col, notifier, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(col.Seen()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{ari.TypeStasisStart, ari.TypeChannelDtmfReceived, ari.TypeStasisEnd}, col.Seen())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-notifier.stopped:
	default:
		t.Error("notifier stage was not stopped")
	}
}

func TestSupervisor_StageFailureStopsOthers(t *testing.T) {
	boom := errors.New("connection refused")
	src := &scriptedSource{err: boom}
	notifier := &blockingRunner{stopped: make(chan struct{})}
	sup := New(src, &collector{}, notifier, 0, nil)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "ingest stage")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stage failure")
	}
	<-notifier.stopped
}

func TestSupervisor_DefaultInboundSize(t *testing.T) {
	sup := New(&scriptedSource{}, &collector{}, &blockingRunner{stopped: make(chan struct{})}, 0, nil)
	assert.Equal(t, defaultInboundSize, cap(sup.inbound))
}

type stopOrder struct {
	mu    sync.Mutex
	order []string
}

func (o *stopOrder) record(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = append(o.order, name)
}

func (o *stopOrder) Order() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// lateSource emits one more event after its context ends, the way a stream
// mid-send does.
type lateSource struct{ order *stopOrder }

func (s *lateSource) Run(ctx context.Context, out chan<- ari.Event) error {
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	out <- ari.Event{Type: ari.TypeStasisEnd}
	s.order.record("ingest")
	return nil
}

type drainingConsumer struct {
	order   *stopOrder
	mu      sync.Mutex
	drained []string
}

func (c *drainingConsumer) Run(ctx context.Context, in <-chan ari.Event) error {
	<-ctx.Done()
	for {
		select {
		case ev := <-in:
			c.mu.Lock()
			c.drained = append(c.drained, ev.Type)
			c.mu.Unlock()
		default:
			c.order.record("dispatch")
			return nil
		}
	}
}

type orderedRunner struct{ order *stopOrder }

func (r *orderedRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	r.order.record("notify")
	return nil
}

func TestSupervisor_StopsStagesInPipelineOrder(t *testing.T) {
	order := &stopOrder{}
	consumer := &drainingConsumer{order: order}
	sup := New(&lateSource{order: order}, consumer, &orderedRunner{order: order}, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, []string{"ingest", "dispatch", "notify"}, order.Order())
	assert.Equal(t, []string{ari.TypeStasisEnd}, consumer.drained)
	assert.Empty(t, sup.inbound)
}
