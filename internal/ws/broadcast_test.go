package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/voip-ivr/ivr-handler/internal/session"
)

func newTestBroadcaster(filter *session.PrivacyFilter) *Broadcaster {
	if filter == nil {
		filter = &session.PrivacyFilter{}
	}
	return &Broadcaster{
		clients:        make(map[*client]bool),
		registry:       session.NewRegistry(nil),
		privacy:        filter,
		pendingUpdates: make(map[string]session.Snapshot),
		throttle:       time.Hour,
	}
}

func TestFilterSessions_NoFilter(t *testing.T) {
	b := newTestBroadcaster(nil)

	got := b.FilterSessions([]session.Snapshot{
		{ChannelID: "c1", CallerID: "5551234567"},
		{ChannelID: "c2", CallerID: "5559876543"},
	})

	if len(got) != 2 || got[0].ChannelID != "c1" || got[1].CallerID != "5559876543" {
		t.Fatalf("unexpected sessions: %+v", got)
	}
}

func TestFilterSessions_Masks(t *testing.T) {
	b := newTestBroadcaster(nil)
	b.SetPrivacyFilter(&session.PrivacyFilter{MaskCallerIDs: true, MaskChannelIDs: true})

	got := b.FilterSessions([]session.Snapshot{{ChannelID: "c1", CallerID: "5551234567"}})

	if got[0].CallerID != "******4567" {
		t.Errorf("caller id = %q, want masked", got[0].CallerID)
	}
	if got[0].ChannelID == "c1" || got[0].ChannelID == "" {
		t.Errorf("channel id = %q, want hashed", got[0].ChannelID)
	}
}

func TestSetPrivacyFilter_NilResets(t *testing.T) {
	b := newTestBroadcaster(&session.PrivacyFilter{MaskCallerIDs: true})
	b.SetPrivacyFilter(nil)

	got := b.FilterSessions([]session.Snapshot{{ChannelID: "c1", CallerID: "5551234567"}})
	if got[0].CallerID != "5551234567" {
		t.Errorf("caller id = %q, want unmasked", got[0].CallerID)
	}
}

func TestQueueUpdate_CoalescesPerChannel(t *testing.T) {
	b := newTestBroadcaster(nil)

	b.QueueUpdate(session.Snapshot{ChannelID: "c1", Digits: 1})
	b.QueueUpdate(session.Snapshot{ChannelID: "c1", Digits: 2})
	b.QueueUpdate(session.Snapshot{ChannelID: "c2", Digits: 1})
	b.QueueRemoval("c2")

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if len(b.pendingUpdates) != 1 {
		t.Fatalf("expected 1 pending update, got %d", len(b.pendingUpdates))
	}
	if got := b.pendingUpdates["c1"].Digits; got != 2 {
		t.Errorf("pending c1 digits = %d, want 2", got)
	}
	if len(b.pendingRemoved) != 1 || b.pendingRemoved[0] != "c2" {
		t.Errorf("pending removals = %v, want [c2]", b.pendingRemoved)
	}
	b.flushTimer.Stop()
}

func TestEncode_SequenceIncreases(t *testing.T) {
	b := newTestBroadcaster(nil)

	var last uint64
	for i := 0; i < 3; i++ {
		data, err := b.encode(MsgDelta, DeltaPayload{})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Seq <= last {
			t.Fatalf("seq %d not greater than %d", msg.Seq, last)
		}
		last = msg.Seq
	}
}
