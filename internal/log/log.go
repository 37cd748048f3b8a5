// Package log provides the structured logger shared by every component.
// It wraps log/slog with a process-wide default logger plus small helpers
// for binding session/user attributes, matching the convention already
// used by internal/audit.
package log

import (
	"context"
	"log/slog"
	"os"

	"github.com/neosignal/assistantproxy/internal/observability"
)

// Config controls the default logger's handler and level.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "json" (production) or "text" (development).
	Format string `yaml:"format"`
}

// New builds a slog.Logger per Config, writing to stderr.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

var defaultLogger = New(Config{Format: "json", Level: "info"})

// SetDefault replaces the process-wide default logger.
func SetDefault(l *slog.Logger) { defaultLogger = l }

// Default returns the process-wide default logger.
func Default() *slog.Logger { return defaultLogger }

// WithTrace returns a logger with trace_id/span_id bound from ctx, matching
// internal/audit's correlation fields.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = defaultLogger
	}
	attrs := []any{}
	if tid := observability.GetTraceID(ctx); tid != "" {
		attrs = append(attrs, "trace_id", tid)
	}
	if sid := observability.GetSpanID(ctx); sid != "" {
		attrs = append(attrs, "span_id", sid)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// Session returns a logger bound to a session/user pair for the lifetime of
// a streaming session.
func Session(l *slog.Logger, sessionID, userID string) *slog.Logger {
	if l == nil {
		l = defaultLogger
	}
	return l.With("session_id", sessionID, "user_id", userID)
}
