// Package supervisor runs the ingest, dispatch and notify stages and
// owns the inbound event queue between the first two.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/voip-ivr/ivr-handler/internal/ari"
)

const defaultInboundSize = 256

// Source produces switch events. Run blocks until ctx ends.
type Source interface {
	Run(ctx context.Context, out chan<- ari.Event) error
}

// Consumer handles switch events in order.
type Consumer interface {
	Run(ctx context.Context, in <-chan ari.Event) error
}

// Runner is a stage with no inbound channel of its own.
type Runner interface {
	Run(ctx context.Context) error
}

type Supervisor struct {
	source   Source
	consumer Consumer
	notifier Runner
	inbound  chan ari.Event
	logger   *slog.Logger
}

// New wires the stages together with an inbound queue of inboundSize
// events. Sends into a full queue block the source.
func New(source Source, consumer Consumer, notifier Runner, inboundSize int, logger *slog.Logger) *Supervisor {
	if inboundSize <= 0 {
		inboundSize = defaultInboundSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		source:   source,
		consumer: consumer,
		notifier: notifier,
		inbound:  make(chan ari.Event, inboundSize),
		logger:   logger.With("component", "supervisor"),
	}
}

// Run starts the three stages and waits for them. It returns nil once ctx
// is cancelled and every stage has unwound, or the first stage error.
//
// Ingest stops on ctx or on any stage failure. Every later stage is
// cancelled only after the stage feeding it has returned, so it drains a
// queue that nothing can still write to.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	defer stopNotify()

	g.Go(func() error {
		defer stopDispatch()
		return s.stage("ingest", func() error { return s.source.Run(gctx, s.inbound) })
	})
	g.Go(func() error {
		defer stopNotify()
		return s.stage("dispatch", func() error { return s.consumer.Run(dispatchCtx, s.inbound) })
	})
	g.Go(func() error {
		return s.stage("notify", func() error { return s.notifier.Run(notifyCtx) })
	})

	s.logger.Info("pipeline started", "inbound_capacity", cap(s.inbound))
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("pipeline stopped")
	return nil
}

func (s *Supervisor) stage(name string, run func() error) error {
	err := run()
	switch {
	case err == nil:
		s.logger.Debug("stage stopped", "stage", name)
		return nil
	case errors.Is(err, context.Canceled):
		s.logger.Debug("stage cancelled", "stage", name)
		return err
	default:
		s.logger.Error("stage failed", "stage", name, "error", err)
		return fmt.Errorf("%s stage: %w", name, err)
	}
}
