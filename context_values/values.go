package context_values

import (
	"context"
	"fmt"
	"log/slog"
)

type contextKey string

var (
	contextKeyWorkerId = contextKey("worker_id")
)

// WithWorkerId adds the worker id to the context
func WithWorkerId(ctx context.Context, workerId string) context.Context {
	return context.WithValue(ctx, contextKeyWorkerId, workerId)
}

// WorkerIdFromContext returns the worker id from the context
func WorkerIdFromContext(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", fmt.Errorf("context is nil")
	}
	val, ok := ctx.Value(contextKeyWorkerId).(string)
	if !ok {
		return "", fmt.Errorf("no worker id in context")
	}
	return val, nil
}

// LoggerFromContext returns the default logger, annotated with the worker id if the context has one
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if workerId, err := WorkerIdFromContext(ctx); err == nil {
		logger = logger.With("worker", workerId)
	}
	return logger
}
