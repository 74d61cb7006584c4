package ws

import (
	"github.com/voip-ivr/ivr-handler/internal/session"
)

type MessageType string

const (
	MsgSnapshot  MessageType = "snapshot"
	MsgDelta     MessageType = "delta"
	MsgCallEnded MessageType = "call_ended"
	MsgError     MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []session.Snapshot `json:"sessions"`
}

type DeltaPayload struct {
	Updates []session.Snapshot `json:"updates"`
	Removed []string           `json:"removed,omitempty"`
}

type CallEndedPayload struct {
	ChannelID string `json:"channelId"`
	Node      string `json:"node"`
	Digits    int    `json:"digits"`
	Active    int    `json:"active"`
}
