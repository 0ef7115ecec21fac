// Package observability wires structured logging, tracing and metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/payment-reconciler/internal/reqctx"
)

// Logger is a JSON slog logger tagged with the service name.
type Logger struct {
	*slog.Logger
}

// NewLogger logs JSON to stdout at the given level ("debug", "info", "warn", "error").
func NewLogger(serviceName, level string) *Logger {
	return NewLoggerWithWriter(os.Stdout, serviceName, level)
}

// NewLoggerWithWriter is NewLogger with an explicit destination.
func NewLoggerWithWriter(w io.Writer, serviceName, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return &Logger{slog.New(handler).With("service", serviceName)}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return NewLoggerWithWriter(io.Discard, "test", "error")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext adds the request id and the active trace id, when present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if id := reqctx.RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		logger = logger.With("trace_id", sc.TraceID().String())
	}
	return &Logger{logger}
}

// With returns a logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}

// Component tags log lines with the emitting component.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SecurityAlert logs at warn level with alert=security so it can be routed separately.
func (l *Logger) SecurityAlert(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, append([]any{"alert", "security"}, args...)...)
}
