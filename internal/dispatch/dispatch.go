// Package dispatch consumes switch events one at a time and turns them
// into session changes, control actions and step notifications.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voip-ivr/ivr-handler/internal/ari"
	"github.com/voip-ivr/ivr-handler/internal/menu"
	"github.com/voip-ivr/ivr-handler/internal/metrics"
	"github.com/voip-ivr/ivr-handler/internal/notify"
	"github.com/voip-ivr/ivr-handler/internal/session"
)

var (
	// ErrUnknownChannel is returned for events about a channel that has no
	// session. It is logged and otherwise ignored.
	ErrUnknownChannel = errors.New("unknown channel")
	errNoChannel      = errors.New("event has no channel id")
)

const tracerName = "github.com/voip-ivr/ivr-handler/internal/dispatch"

// Executor performs control actions. It reports success and never fails
// the caller.
type Executor interface {
	PlayMedia(ctx context.Context, channelID, media string) bool
	Route(ctx context.Context, channelID, destination string) bool
	Forward(ctx context.Context, channelID, number string) bool
	Hangup(ctx context.Context, channelID string) bool
}

// Sink receives step records.
type Sink interface {
	Enqueue(ctx context.Context, r notify.Record) error
}

type Config struct {
	// DefaultPrompt is played when a menu has no prompt of its own.
	DefaultPrompt string
	// GreetOnStart plays the root menu prompt when a call arrives.
	GreetOnStart bool
}

type Dispatcher struct {
	tree     *menu.Tree
	registry *session.Registry
	exec     Executor
	sink     Sink
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func New(tree *menu.Tree, reg *session.Registry, exec Executor, sink Sink, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tree:     tree,
		registry: reg,
		exec:     exec,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
		metrics:  m,
		tracer:   otel.Tracer(tracerName),
	}
}

// Run handles events from in, in order, until ctx is cancelled or in is
// closed. Events still queued at cancellation are logged as discarded.
func (d *Dispatcher) Run(ctx context.Context, in <-chan ari.Event) error {
	for {
		if ctx.Err() != nil {
			d.drain(in)
			return nil
		}
		select {
		case <-ctx.Done():
			d.drain(in)
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain(in <-chan ari.Event) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			d.metrics.RecordDiscarded("dispatch")
			d.logger.Warn("discarding event at shutdown", "type", ev.Type, "channel_id", ev.ChannelID())
		default:
			return
		}
	}
}

// Handle processes a single event. It never panics and never returns an
// error: failures are logged and recorded on the event's span.
func (d *Dispatcher) Handle(ctx context.Context, ev ari.Event) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch "+ev.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("ivr.event.type", ev.Type),
			attribute.String("ivr.channel_id", ev.ChannelID()),
		))
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			d.logger.Error("event handler panicked", "type", ev.Type, "channel_id", ev.ChannelID(), "panic", r)
		}
		span.End()
		d.metrics.ObserveDispatch(ev.Type, time.Since(start))
	}()

	if err := d.route(ctx, ev); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrUnknownChannel) {
			d.logger.Warn("ignoring event", "type", ev.Type, "channel_id", ev.ChannelID(), "error", err)
			return
		}
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("event handling failed", "type", ev.Type, "channel_id", ev.ChannelID(), "error", err)
	}
}

func (d *Dispatcher) route(ctx context.Context, ev ari.Event) error {
	switch ev.Kind() {
	case ari.KindCallStart:
		return d.onStart(ctx, ev)
	case ari.KindCallEnd:
		return d.onEnd(ev)
	case ari.KindHangup:
		return d.onHangup(ev)
	case ari.KindDigit:
		return d.onDigit(ctx, ev)
	case ari.KindUserEvent:
		return d.onUserEvent(ctx, ev)
	default:
		d.logger.Debug("unhandled event", "type", ev.Type, "channel_id", ev.ChannelID(), "raw", string(ev.Raw))
		return nil
	}
}

func (d *Dispatcher) onStart(ctx context.Context, ev ari.Event) error {
	ch := ev.ChannelID()
	if ch == "" {
		return errNoChannel
	}
	d.registry.Create(ch, ev.CallerNumber(), d.tree)
	d.metrics.SetActiveSessions(d.registry.Len())
	d.logger.Info("call started", "channel_id", ch, "caller", ev.CallerNumber())

	if d.cfg.GreetOnStart {
		d.exec.PlayMedia(ctx, ch, d.prompt(d.tree.Prompt(d.tree.Root())))
	}
	return nil
}

// onEnd handles StasisEnd: the channel has left the application.
func (d *Dispatcher) onEnd(ev ari.Event) error {
	return d.endSession(ev, "call ended")
}

// onHangup handles ChannelHangupRequest and ChannelDestroyed and logs the
// hangup cause.
func (d *Dispatcher) onHangup(ev ari.Event) error {
	return d.endSession(ev, "call hung up")
}

// endSession removes the channel's session. Only the first end or hangup
// event for a channel finds one; the rest are no-ops.
func (d *Dispatcher) endSession(ev ari.Event, msg string) error {
	ch := ev.ChannelID()
	if ch == "" {
		return errNoChannel
	}
	snap, ok := d.registry.Remove(ch)
	if !ok {
		d.logger.Debug("end event for untracked channel", "type", ev.Type, "channel_id", ch)
		return nil
	}
	d.metrics.SetActiveSessions(d.registry.Len())

	attrs := []any{
		"channel_id", ch,
		"type", ev.Type,
		"node", snap.Node,
		"digits", snap.Digits,
		"duration", time.Since(snap.StartedAt).Round(time.Millisecond),
	}
	if ev.Cause != 0 || ev.CauseText != "" {
		attrs = append(attrs, "cause", ev.Cause, "cause_txt", ev.CauseText)
	}
	d.logger.Info(msg, attrs...)
	return nil
}

func (d *Dispatcher) onDigit(ctx context.Context, ev ari.Event) error {
	ch := ev.ChannelID()
	if ch == "" {
		return errNoChannel
	}
	snap, res, ok := d.registry.Navigate(ch, ev.Digit)
	if !ok {
		return fmt.Errorf("%w: digit %q", ErrUnknownChannel, ev.Digit)
	}
	d.metrics.RecordDigit(res.Outcome.String())

	success := true
	if res.Action != nil {
		success = d.perform(ctx, ch, *res.Action, res.Prompt)
	} else if res.Outcome == menu.Descended || res.Outcome == menu.WentBack {
		if res.Prompt != "" {
			success = d.exec.PlayMedia(ctx, ch, res.Prompt)
		}
	}

	d.logger.Info("digit received",
		"channel_id", ch,
		"digit", ev.Digit,
		"outcome", res.Outcome.String(),
		"node", res.Node,
		"action", actionName(res.Action),
		"success", success)

	rec := notify.NewRecord(ch)
	rec.Digit = ev.Digit
	rec.Action = actionName(res.Action)
	rec.Outcome = res.Outcome.String()
	rec.Node = res.Node
	rec.Success = success
	rec.Session = &snap
	_ = d.sink.Enqueue(ctx, rec)
	return nil
}

// perform hands a leaf action to the executor.
func (d *Dispatcher) perform(ctx context.Context, ch string, act menu.Action, prompt string) bool {
	switch act.Kind {
	case menu.Goto:
		return d.exec.Route(ctx, ch, act.Params)
	case menu.ForwardNumber:
		return d.exec.Forward(ctx, ch, act.Params)
	case menu.RepeatOptions:
		return d.exec.PlayMedia(ctx, ch, d.prompt(prompt))
	case menu.PreviousMenu:
		// Navigation resolves PreviousMenu into a cursor move.
		return true
	default:
		d.logger.Warn("unsupported menu action", "channel_id", ch, "action", act.String())
		return false
	}
}

func (d *Dispatcher) prompt(p string) string {
	if p != "" {
		return p
	}
	return d.cfg.DefaultPrompt
}

func actionName(a *menu.Action) string {
	if a == nil {
		return ""
	}
	return a.String()
}
