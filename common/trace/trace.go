// Package trace generates correlation IDs and carries them through
// context so that every log line and journal entry of one CLI invocation
// or monitor tick can be grouped.
package trace

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}

// NewID returns a fresh trace ID.
func NewID() string {
	return "t_" + uuid.NewString()
}

// WithID returns a child context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged if it already carries a trace ID, otherwise
// a child context with a new one.
func Ensure(ctx context.Context) context.Context {
	if FromContext(ctx) != "" {
		return ctx
	}
	return WithID(ctx, NewID())
}

// Logger returns l annotated with the trace ID in ctx, if any.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if id := FromContext(ctx); id != "" {
		return l.With("trace_id", id)
	}
	return l
}
