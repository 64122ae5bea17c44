package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const OperationIDKey contextKey = "operation_id"
const SourceKey contextKey = "source"

// WithOperationID tags ctx with the idempotency key of the call in flight.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, OperationIDKey, id)
}

func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSource records which collaborator issued the call (watcher, sensor, ui, scheduler).
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

func GetSource(ctx context.Context) string {
	if s, ok := ctx.Value(SourceKey).(string); ok {
		return s
	}
	return ""
}

// From returns the default logger enriched with the ids carried by ctx.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}
	if id := GetOperationID(ctx); id != "" {
		l = l.With("operation_id", id)
	}
	if s := GetSource(ctx); s != "" {
		l = l.With("source", s)
	}
	return l
}
