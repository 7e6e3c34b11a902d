package logging

import (
	"context"
	"log/slog"
)

// ctxKey is used to carry a per-request correlation id through context so
// every log line for a request can be tied back to the response body.
type ctxKey struct{}

// WithCorrelationID returns a context carrying id; CorrelationID reads it
// back.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func argsFor(ctx context.Context, args []any) []any {
	if id := CorrelationID(ctx); id != "" {
		return append([]any{"correlation_id", id}, args...)
	}
	return args
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

func DebugCtx(ctx context.Context, msg string, args ...any) { slog.Debug(msg, argsFor(ctx, args)...) }
func InfoCtx(ctx context.Context, msg string, args ...any)  { slog.Info(msg, argsFor(ctx, args)...) }
func WarnCtx(ctx context.Context, msg string, args ...any)  { slog.Warn(msg, argsFor(ctx, args)...) }
func ErrorCtx(ctx context.Context, msg string, args ...any) { slog.Error(msg, argsFor(ctx, args)...) }

// RecoverPanic recovers a panic in a goroutine, logging it with the given
// label instead of crashing the process.
func RecoverPanic(label string, cleanup func()) {
	if r := recover(); r != nil {
		slog.Error("recovered panic", "component", label, "panic", r)
		if cleanup != nil {
			cleanup()
		}
	}
}
