// Package logging provides structured logging for the settlement services.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	fieldsKey contextKey = "fields"
)

// New creates a structured logger writing to stdout.
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a structured logger writing to w. format is "json"
// or anything else for text.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Seed adds logger to ctx unless ctx already carries one. Services call it
// on entry so their records go to the configured logger when invoked
// outside an HTTP request.
func Seed(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	if _, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return ctx
	}
	return WithLogger(ctx, logger)
}

// FromContext extracts the logger from context, or returns the default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// With attaches correlation fields (order id, trade id, tx hash...) that L
// adds to every record logged under ctx.
func With(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(fieldsKey).([]any)
	fields := make([]any, 0, len(prev)+len(args))
	fields = append(fields, prev...)
	fields = append(fields, args...)
	return context.WithValue(ctx, fieldsKey, fields)
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return With(ctx, "request_id", requestID)
}

// WithOrderID tags ctx with an order id.
func WithOrderID(ctx context.Context, orderID string) context.Context {
	return With(ctx, "order_id", orderID)
}

// WithTxHash tags ctx with a ledger transaction hash.
func WithTxHash(ctx context.Context, txHash string) context.Context {
	return With(ctx, "tx_hash", txHash)
}

// L returns the context logger decorated with the context's fields.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if fields, ok := ctx.Value(fieldsKey).([]any); ok && len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}
