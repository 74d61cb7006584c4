package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voip-ivr/ivr-handler/internal/health"
	"github.com/voip-ivr/ivr-handler/internal/metrics"
	"github.com/voip-ivr/ivr-handler/internal/session"
)

// syncBuffer is a bytes.Buffer safe for the notifier goroutine and the
// test goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type captured struct {
	header http.Header
	body   map[string]any
}

func captureServer(t *testing.T, status int) (string, <-chan captured) {
	t.Helper()
	ch := make(chan captured, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		ch <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, ch
}

func runNotifier(t *testing.T, n *Notifier) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestNewRecord(t *testing.T) {
	r := NewRecord("c1")
	_, err := uuid.Parse(r.ID)
	assert.NoError(t, err)
	assert.Equal(t, "c1", r.ChannelID)
	assert.WithinDuration(t, time.Now(), r.Timestamp, time.Second)
	assert.NotEqual(t, r.ID, NewRecord("c1").ID)
}

func TestNotifier_PostsRecord(t *testing.T) {
	url, got := captureServer(t, http.StatusOK)
	tr := health.NewTracker(1, health.Notifier)
	n := New(Config{URL: url, APIKey: "k-123"}, nil, metrics.New(), tr)
	stop := runNotifier(t, n)
	defer stop()

	rec := NewRecord("c1")
	rec.Digit = "9"
	rec.Action = "Goto(Queue 1.3.9)"
	rec.Outcome = "completed"
	rec.Node = "root"
	rec.Success = true
	rec.Session = &session.Snapshot{ChannelID: "c1", History: []string{}, Digits: 3}
	require.NoError(t, n.Enqueue(context.Background(), rec))

	select {
	case c := <-got:
		assert.Equal(t, "application/json", c.header.Get("Content-Type"))
		assert.Equal(t, "k-123", c.header.Get("X-API-KEY"))
		assert.Equal(t, rec.ID, c.body["id"])
		assert.Equal(t, "c1", c.body["channelId"])
		assert.Equal(t, "9", c.body["digit"])
		assert.Equal(t, "Goto(Queue 1.3.9)", c.body["action"])
		assert.Equal(t, "completed", c.body["outcome"])
		assert.Equal(t, true, c.body["success"])
		sess, ok := c.body["session"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(3), sess["digits"])
	case <-time.After(3 * time.Second):
		t.Fatal("no notification received")
	}

	assert.Eventually(t, func() bool {
		return tr.Report().Components[0].LastSuccess != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifier_FailureIsLoggedAndDropped(t *testing.T) {
	url, got := captureServer(t, http.StatusServiceUnavailable)
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	tr := health.NewTracker(2, health.Notifier)
	n := New(Config{URL: url}, logger, nil, tr)
	stop := runNotifier(t, n)
	defer stop()

	require.NoError(t, n.Enqueue(context.Background(), NewRecord("c1")))
	require.NoError(t, n.Enqueue(context.Background(), NewRecord("c2")))

	for i := 0; i < 2; i++ {
		select {
		case c := <-got:
			assert.Empty(t, c.header.Get("X-API-KEY"))
		case <-time.After(3 * time.Second):
			t.Fatal("notification not attempted")
		}
	}
	assert.Eventually(t, func() bool {
		return tr.Status(health.Notifier) == health.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "notification delivery failed")
	assert.Contains(t, logs.String(), "HTTP 503")
}

func TestNotifier_LogOnlySink(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	n := New(Config{}, logger, nil, nil)
	stop := runNotifier(t, n)
	defer stop()

	rec := NewRecord("c5")
	rec.Digit = "2"
	require.NoError(t, n.Enqueue(context.Background(), rec))

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "channel_id=c5")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "digit=2")
}

func TestNotifier_DiscardsQueuedRecordsOnShutdown(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	m := metrics.New()
	n := New(Config{URL: "http://127.0.0.1:1", QueueSize: 4}, logger, m, nil)

	for _, ch := range []string{"a", "b", "c"} {
		require.NoError(t, n.Enqueue(context.Background(), NewRecord(ch)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))

	assert.Equal(t, 0, n.Pending())
	out := logs.String()
	assert.Equal(t, 3, strings.Count(out, "discarding notification at shutdown"))
	for _, ch := range []string{"channel_id=a", "channel_id=b", "channel_id=c"} {
		assert.Contains(t, out, ch)
	}
}

func TestNotifier_EnqueueAfterStopIsDiscarded(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	m := metrics.New()
	n := New(Config{QueueSize: 4}, logger, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))

	for i := 0; i < 50; i++ {
		err := n.Enqueue(ctx, NewRecord("late"))
		assert.ErrorIs(t, err, context.Canceled)
	}
	// A producer still holding a live context must not strand its record.
	for i := 0; i < 50; i++ {
		require.NoError(t, n.Enqueue(context.Background(), NewRecord("live")))
	}

	assert.Equal(t, 0, n.Pending())
	out := logs.String()
	assert.Equal(t, 50, strings.Count(out, "channel_id=late"))
	assert.Equal(t, 50, strings.Count(out, "channel_id=live"))
	assert.Equal(t, 100, strings.Count(out, "discarding notification at shutdown"))
}

func TestNotifier_EnqueueBlocksWhenFull(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	n := New(Config{QueueSize: 1}, logger, nil, nil)
	require.NoError(t, n.Enqueue(context.Background(), NewRecord("first")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := n.Enqueue(ctx, NewRecord("second"))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, n.Pending())
	assert.Contains(t, logs.String(), "channel_id=second")
}

func TestNotifier_RateLimit(t *testing.T) {
	url, got := captureServer(t, http.StatusOK)
	n := New(Config{URL: url, RatePerSecond: 20}, nil, nil, nil)
	stop := runNotifier(t, n)
	defer stop()

	start := time.Now()
	for i := 0; i < 25; i++ {
		require.NoError(t, n.Enqueue(context.Background(), NewRecord("c1")))
	}
	for i := 0; i < 25; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d notifications delivered", i)
		}
	}
	// Burst of 20, then 5 more at 20/s.
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}
