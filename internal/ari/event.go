// Package ari talks to the switch's REST interface: it decodes the
// websocket event stream and issues channel control requests.
package ari

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDecode marks an event frame that is not valid event JSON.
	ErrDecode = errors.New("decode event")
	// ErrConnect is returned when the initial stream connection cannot be
	// established.
	ErrConnect = errors.New("connect event stream")
)

// Event type names as sent by the switch.
const (
	TypeStasisStart          = "StasisStart"
	TypeStasisEnd            = "StasisEnd"
	TypeChannelDtmfReceived  = "ChannelDtmfReceived"
	TypeChannelUserevent     = "ChannelUserevent"
	TypeChannelDestroyed     = "ChannelDestroyed"
	TypeChannelHangupRequest = "ChannelHangupRequest"
)

// Kind classifies an event for dispatch.
type Kind int

const (
	KindUnknown Kind = iota
	KindCallStart
	KindCallEnd
	KindDigit
	KindUserEvent
	KindHangup
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindCallStart:     "call_start",
	KindCallEnd:       "call_end",
	KindDigit:         "digit",
	KindUserEvent:     "user_event",
	KindHangup:        "hangup",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Caller struct {
	Name   string `json:"name,omitempty"`
	Number string `json:"number,omitempty"`
}

type Channel struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	State  string `json:"state,omitempty"`
	Caller Caller `json:"caller"`
}

// UserEvent is the custom payload of a ChannelUserevent.
type UserEvent struct {
	Action  string         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Event is one decoded frame of the event stream. Only the fields the
// service acts on are decoded; Raw keeps the original frame.
type Event struct {
	Type        string     `json:"type"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Application string     `json:"application,omitempty"`
	Channel     *Channel   `json:"channel,omitempty"`
	Digit       string     `json:"digit,omitempty"`
	DurationMs  int        `json:"duration_ms,omitempty"`
	EventName   string     `json:"eventname,omitempty"`
	UserEvent   *UserEvent `json:"userevent,omitempty"`
	Cause       int        `json:"cause,omitempty"`
	CauseText   string     `json:"cause_txt,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode parses a single event frame. Errors wrap ErrDecode.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

func (e Event) Kind() Kind {
	switch e.Type {
	case TypeStasisStart:
		return KindCallStart
	case TypeStasisEnd:
		return KindCallEnd
	case TypeChannelDtmfReceived:
		return KindDigit
	case TypeChannelUserevent:
		return KindUserEvent
	case TypeChannelDestroyed, TypeChannelHangupRequest:
		return KindHangup
	default:
		return KindUnknown
	}
}

// ChannelID returns the id of the channel the event refers to, or "".
func (e Event) ChannelID() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.ID
}

// CallerNumber returns the caller's number, or "".
func (e Event) CallerNumber() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.Caller.Number
}

// UserAction returns the action name of a user event. The userevent
// object's action wins; the top-level eventname is the fallback.
func (e Event) UserAction() string {
	if e.UserEvent != nil && e.UserEvent.Action != "" {
		return e.UserEvent.Action
	}
	return e.EventName
}

// PayloadString returns a string field of the user event payload.
func (e Event) PayloadString(key string) string {
	if e.UserEvent == nil {
		return ""
	}
	s, _ := e.UserEvent.Payload[key].(string)
	return s
}
