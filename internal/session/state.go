package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"github.com/voip-ivr/ivr-handler/internal/menu"
)

type Status int

const (
	Active Status = iota
	Ended
)

var statusNames = map[Status]string{
	Active: "active",
	Ended:  "ended",
}

var statusFromName = map[string]Status{
	"active": Active,
	"ended":  Ended,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// CallSession is the navigation state of one live channel. Tree is shared
// with every other session and must not be modified.
type CallSession struct {
	ChannelID   string
	CallerID    string
	Tree        *menu.Tree
	Position    menu.Position
	Status      Status
	StartedAt   time.Time
	LastInputAt time.Time
	Digits      int
}

// Node returns the label of the menu the caller is on.
func (s *CallSession) Node() string {
	return s.Tree.Label(s.Position.Cursor)
}

// History returns a copy of the symbols entered to reach the current menu.
func (s *CallSession) History() []string {
	return append([]string{}, s.Position.History...)
}

// Snapshot is a detached copy of a session's observable state. It is safe
// to retain and to hand to other goroutines.
type Snapshot struct {
	ChannelID   string    `json:"channelId"`
	CallerID    string    `json:"callerId,omitempty"`
	Status      Status    `json:"status"`
	Node        string    `json:"node"`
	History     []string  `json:"history"`
	Digits      int       `json:"digits"`
	StartedAt   time.Time `json:"startedAt"`
	// LastInputAt is nil until the caller presses a key.
	LastInputAt *time.Time `json:"lastInputAt,omitempty" copier:"-"`
}

// Snapshot copies the session. Node and History are filled from the
// methods of the same name, so the result shares no memory with s. On a
// copy error the identifying fields are still set.
func (s *CallSession) Snapshot() (Snapshot, error) {
	var snap Snapshot
	if err := copier.Copy(&snap, s); err != nil {
		if s != nil {
			snap = Snapshot{ChannelID: s.ChannelID, CallerID: s.CallerID, Status: s.Status}
		}
		return snap, fmt.Errorf("snapshot session: %w", err)
	}
	if !s.LastInputAt.IsZero() {
		at := s.LastInputAt
		snap.LastInputAt = &at
	}
	return snap, nil
}
