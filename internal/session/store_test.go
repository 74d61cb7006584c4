package session

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voip-ivr/ivr-handler/internal/menu"
)

func newTestRegistry(t *testing.T) (*Registry, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRegistry(logger), &buf
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(nil)
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}
	if got := r.Len(); got != 0 {
		t.Errorf("new registry has %d sessions, want 0", got)
	}
	if got := len(r.All()); got != 0 {
		t.Errorf("new registry All() has %d sessions, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestCreateStartsAtRoot(t *testing.T) {
	r, _ := newTestRegistry(t)
	tree := menu.Default()

	snap := r.Create("c1", "+15551234567", tree)

	assert.Equal(t, "c1", snap.ChannelID)
	assert.Equal(t, "+15551234567", snap.CallerID)
	assert.Equal(t, Active, snap.Status)
	assert.Equal(t, "root", snap.Node)
	assert.Empty(t, snap.History)

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "root", got.Node)
}

func TestDuplicateCreateOverwritesAndWarns(t *testing.T) {
	r, logs := newTestRegistry(t)
	tree := menu.Default()

	r.Create("c1", "first", tree)
	_, _, ok := r.Navigate("c1", "1")
	require.True(t, ok)

	snap := r.Create("c1", "second", tree)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "second", snap.CallerID)
	assert.Equal(t, "root", snap.Node, "replacement starts from the root")
	assert.Contains(t, logs.String(), "duplicate call start")
	assert.Contains(t, logs.String(), "level=WARN")
}

func TestNavigateMovesCursor(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Create("c1", "", menu.Default())

	snap, res, ok := r.Navigate("c1", "1")
	require.True(t, ok)
	assert.Equal(t, menu.Descended, res.Outcome)
	assert.Equal(t, "1", snap.Node)
	assert.Equal(t, []string{"1"}, snap.History)
	assert.Equal(t, 1, snap.Digits)
	require.NotNil(t, snap.LastInputAt)
	assert.False(t, snap.LastInputAt.IsZero())

	snap, _, _ = r.Navigate("c1", "3")
	assert.Equal(t, "1.3", snap.Node)
}

func TestNavigateUnknownChannel(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _, ok := r.Navigate("ghost", "1")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	tree := menu.Default()
	r.Create("a", "", tree)
	r.Create("b", "", tree)

	snap, ok := r.Remove("a")
	require.True(t, ok)
	assert.Equal(t, Ended, snap.Status)

	if _, ok := r.Get("a"); ok {
		t.Error("Get returned ok=true after Remove")
	}
	if _, ok := r.Get("b"); !ok {
		t.Error("Remove of 'a' also removed 'b'")
	}
	if _, _, ok := r.Navigate("a", "1"); ok {
		t.Error("Navigate succeeded on a removed channel")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, ok := r.Remove("nonexistent")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Create("a", "", menu.Default())
	r.Navigate("a", "1")

	got, _ := r.Get("a")
	got.History[0] = "mutated"
	got.Node = "mutated"

	again, _ := r.Get("a")
	assert.Equal(t, []string{"1"}, again.History)
	assert.Equal(t, "1", again.Node)
}

func TestAllOrderedByStart(t *testing.T) {
	r, _ := newTestRegistry(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	tree := menu.Default()
	r.Create("late", "", tree)
	r.Create("later", "", tree)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "late", all[0].ChannelID)
	assert.Equal(t, "later", all[1].ChannelID)
}

func TestHookEvents(t *testing.T) {
	r, _ := newTestRegistry(t)
	var events []Event
	r.SetHook(func(ev Event) { events = append(events, ev) })
	tree := menu.Default()

	r.Create("c1", "", tree)
	r.Create("c1", "", tree)
	r.Navigate("c1", "2")
	r.Remove("c1")
	r.Remove("c1")

	require.Len(t, events, 4)
	assert.Equal(t, EventNew, events[0].Type)
	assert.False(t, events[0].Replaced)
	assert.True(t, events[1].Replaced)
	assert.Equal(t, EventUpdate, events[2].Type)
	assert.Equal(t, EventTerminal, events[3].Type)
	assert.Equal(t, 0, events[3].ActiveCount)
}

func TestSessionsAreIsolated(t *testing.T) {
	r, _ := newTestRegistry(t)
	tree := menu.Default()
	r.Create("A", "", tree)
	r.Create("B", "", tree)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Navigate("A", "1")
			r.Navigate("A", "3")
			r.Navigate("A", "0") // wildcard: back to 1
			r.Navigate("A", "*") // wildcard: back to root
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("B-%d", i)
			r.Create(id, "", tree)
			r.Navigate(id, "1")
			r.Remove(id)
		}
		r.Navigate("B", "1")
	}()
	wg.Wait()

	a, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, "root", a.Node)
	assert.Empty(t, a.History)
	assert.Equal(t, 800, a.Digits)

	b, ok := r.Get("B")
	require.True(t, ok)
	assert.Equal(t, []string{"1"}, b.History)
	assert.Equal(t, 1, b.Digits)
}

func TestConcurrentDigitsSameChannel(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Create("c1", "", menu.Default())

	var wg sync.WaitGroup
	const goroutines = 50
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Navigate("c1", "*")
		}()
	}
	wg.Wait()

	snap, _ := r.Get("c1")
	assert.Equal(t, goroutines, snap.Digits, "no digit may be lost")
}
