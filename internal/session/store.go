package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voip-ivr/ivr-handler/internal/menu"
)

type entry struct {
	mu      sync.Mutex
	sess    *CallSession
	removed bool
}

// Registry is the set of live calls keyed by channel id. The map lock is
// held only to find or swap entries; each entry has its own lock so that
// digits on one channel are applied in order while other channels proceed.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger
	hook    func(Event)
	now     func() time.Time
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "registry"),
		now:     time.Now,
	}
}

// SetHook registers fn to receive lifecycle events. fn runs on the
// caller's goroutine after locks are released and must not block.
func (r *Registry) SetHook(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

// Create starts tracking a channel at the root of tree. A second start for
// the same channel replaces the first.
func (r *Registry) Create(channelID, callerID string, tree *menu.Tree) Snapshot {
	sess := &CallSession{
		ChannelID: channelID,
		CallerID:  callerID,
		Tree:      tree,
		Position:  menu.Start(),
		Status:    Active,
		StartedAt: r.now(),
	}
	e := &entry{sess: sess}

	r.mu.Lock()
	prev, replaced := r.entries[channelID]
	r.entries[channelID] = e
	count := len(r.entries)
	hook := r.hook
	r.mu.Unlock()

	if replaced {
		prev.mu.Lock()
		prev.removed = true
		prev.mu.Unlock()
		r.logger.Warn("duplicate call start, replacing session",
			"channel_id", channelID, "caller_id", callerID)
	}

	snap := r.snapshot(sess)
	if hook != nil {
		hook(Event{Type: EventNew, Session: snap, ActiveCount: count, Replaced: replaced})
	}
	return snap
}

// snapshot copies sess, logging a failed copy. Callers hold the entry lock.
func (r *Registry) snapshot(sess *CallSession) Snapshot {
	snap, err := sess.Snapshot()
	if err != nil {
		r.logger.Error("incomplete session snapshot", "channel_id", snap.ChannelID, "error", err)
	}
	return snap
}

func (r *Registry) lookup(channelID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[channelID]
	return e, ok
}

func (r *Registry) Get(channelID string) (Snapshot, bool) {
	e, ok := r.lookup(channelID)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Snapshot{}, false
	}
	return r.snapshot(e.sess), true
}

// Navigate applies one digit to the channel's session as a single atomic
// step. ok is false when the channel is unknown.
func (r *Registry) Navigate(channelID, digit string) (snap Snapshot, res menu.Result, ok bool) {
	e, found := r.lookup(channelID)
	if !found {
		return Snapshot{}, menu.Result{}, false
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return Snapshot{}, menu.Result{}, false
	}
	sess := e.sess
	sess.Position, res = sess.Tree.Navigate(sess.Position, digit)
	sess.Digits++
	sess.LastInputAt = r.now()
	snap = r.snapshot(sess)
	e.mu.Unlock()

	r.mu.RLock()
	hook := r.hook
	count := len(r.entries)
	r.mu.RUnlock()
	if hook != nil {
		hook(Event{Type: EventUpdate, Session: snap, ActiveCount: count})
	}
	return snap, res, true
}

// Remove stops tracking a channel. Removing an unknown channel is a no-op
// and reports ok=false.
func (r *Registry) Remove(channelID string) (Snapshot, bool) {
	r.mu.Lock()
	e, ok := r.entries[channelID]
	if ok {
		delete(r.entries, channelID)
	}
	count := len(r.entries)
	hook := r.hook
	r.mu.Unlock()

	if !ok {
		return Snapshot{}, false
	}

	e.mu.Lock()
	e.removed = true
	e.sess.Status = Ended
	snap := r.snapshot(e.sess)
	e.mu.Unlock()

	if hook != nil {
		hook(Event{Type: EventTerminal, Session: snap, ActiveCount: count})
	}
	return snap, true
}

// All returns snapshots of every live session, oldest first.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			result = append(result, r.snapshot(e.sess))
		}
		e.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ChannelID < result[j].ChannelID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
