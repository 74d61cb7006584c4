package dispatch

import (
	"context"

	"github.com/voip-ivr/ivr-handler/internal/ari"
	"github.com/voip-ivr/ivr-handler/internal/notify"
)

// User event actions understood by the dispatcher.
const (
	ActionStartCapturing = "start_capturing"
	ActionCancelProcess  = "cancel_process"
)

const outcomeUserEvent = "user_event"

// onUserEvent dispatches on the user event's action. The target channel
// is the payload's channel_id, or the event's own channel.
func (d *Dispatcher) onUserEvent(ctx context.Context, ev ari.Event) error {
	action := ev.UserAction()
	target := ev.PayloadString("channel_id")
	if target == "" {
		target = ev.ChannelID()
	}

	var success bool
	switch action {
	case ActionStartCapturing:
		d.logger.Info("capture started", "channel_id", target, "payload", payloadOf(ev))
		success = true
	case ActionCancelProcess:
		if target == "" {
			return errNoChannel
		}
		d.logger.Info("cancelling call", "channel_id", target, "payload", payloadOf(ev))
		// The session is removed when the switch reports the hangup.
		success = d.exec.Hangup(ctx, target)
	default:
		d.logger.Info("unhandled user event", "action", action, "channel_id", target, "payload", payloadOf(ev))
		return nil
	}

	rec := notify.NewRecord(target)
	rec.Action = action
	rec.Outcome = outcomeUserEvent
	rec.Success = success
	if snap, ok := d.registry.Get(target); ok {
		rec.Node = snap.Node
		rec.Session = &snap
	}
	_ = d.sink.Enqueue(ctx, rec)
	return nil
}

func payloadOf(ev ari.Event) map[string]any {
	if ev.UserEvent == nil {
		return nil
	}
	return ev.UserEvent.Payload
}
