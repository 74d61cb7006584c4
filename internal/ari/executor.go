package ari

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voip-ivr/ivr-handler/internal/health"
	"github.com/voip-ivr/ivr-handler/internal/metrics"
	"github.com/voip-ivr/ivr-handler/internal/retry"
)

// Controller is the set of channel operations the dispatcher needs.
type Controller interface {
	PlayMedia(ctx context.Context, channelID, media string) error
	Route(ctx context.Context, channelID, destination string) error
	Forward(ctx context.Context, channelID, number string) error
	Hangup(ctx context.Context, channelID string) error
}

// Action names used in logs and metrics.
const (
	ActionPlay    = "play"
	ActionRoute   = "route"
	ActionForward = "forward"
	ActionHangup  = "hangup"
)

// Executor runs control actions under a retry policy. Failures are
// logged and counted, never returned: a failed action must not stop the
// dispatch loop or end the caller's session.
type Executor struct {
	control Controller
	policy  retry.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	health  *health.Tracker
}

func NewExecutor(c Controller, policy retry.Config, logger *slog.Logger, m *metrics.Metrics, h *health.Tracker) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		control: c,
		policy:  policy,
		logger:  logger.With("component", "executor"),
		metrics: m,
		health:  h,
	}
}

func (e *Executor) PlayMedia(ctx context.Context, channelID, media string) bool {
	return e.run(ctx, ActionPlay, channelID, media, func() error {
		return e.control.PlayMedia(ctx, channelID, media)
	})
}

func (e *Executor) Route(ctx context.Context, channelID, destination string) bool {
	return e.run(ctx, ActionRoute, channelID, destination, func() error {
		return e.control.Route(ctx, channelID, destination)
	})
}

func (e *Executor) Forward(ctx context.Context, channelID, number string) bool {
	return e.run(ctx, ActionForward, channelID, number, func() error {
		return e.control.Forward(ctx, channelID, number)
	})
}

func (e *Executor) Hangup(ctx context.Context, channelID string) bool {
	return e.run(ctx, ActionHangup, channelID, "", func() error {
		return e.control.Hangup(ctx, channelID)
	})
}

func (e *Executor) run(ctx context.Context, action, channelID, target string, fn func() error) bool {
	start := time.Now()
	err := retry.Do(ctx, e.policy, func() error {
		err := fn()
		var se *StatusError
		if errors.As(err, &se) && se.ClientError() {
			return retry.NonRetryable(err)
		}
		return err
	})
	e.metrics.RecordAction(action, err == nil)

	if err != nil {
		attrs := []any{"channel_id", channelID, "action", action, "error", err}
		if target != "" {
			attrs = append(attrs, "target", target)
		}
		var se *StatusError
		if errors.As(err, &se) {
			attrs = append(attrs, "status", se.StatusCode)
		} else {
			// Only transport-level failures say something about the switch.
			e.health.RecordFailure(health.ControlAPI, err)
		}
		e.logger.Error("control action failed", attrs...)
		return false
	}

	e.health.RecordSuccess(health.ControlAPI)
	e.logger.Debug("control action done",
		"channel_id", channelID,
		"action", action,
		"target", target,
		"duration", time.Since(start))
	return true
}
