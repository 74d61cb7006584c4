// Package logging builds the service's slog logger.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// ScopeName is the instrumentation scope used for the OpenTelemetry bridge.
const ScopeName = "github.com/voip-ivr/ivr-handler"

// ParseLevel maps debug, info, warn and error (any case) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New returns a logger writing to w. format is "text", "json", or "otel";
// "otel" writes text to w and also sends every record through the
// OpenTelemetry log bridge of the global logger provider.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "otel":
		return slog.New(&teeHandler{
			level:    lvl,
			handlers: []slog.Handler{slog.NewTextHandler(w, opts), otelslog.NewHandler(ScopeName)},
		}), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// teeHandler sends each record to every handler.
type teeHandler struct {
	level    slog.Leveler
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= t.level.Level()
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{level: t.level, handlers: hs}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &teeHandler{level: t.level, handlers: hs}
}
