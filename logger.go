package redmap

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with redmap-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithModel adds a model field to the logger.
func (l *Logger) WithModel(model string) *Logger {
	return &Logger{
		Logger: l.Logger.With("model", model),
	}
}

// LogCompile logs a query compilation.
func (l *Logger) LogCompile(ctx context.Context, model, key string, temp bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query compile failed",
			"model", model,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query compiled",
			"model", model,
			"key", key,
			"temp", temp,
		)
	}
}

// LogCommit logs a session commit.
func (l *Logger) LogCommit(ctx context.Context, dirty, failed int, elapsed time.Duration, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "commit failed",
			"dirty", dirty,
			"error", err,
		)
	case failed > 0:
		l.WarnContext(ctx, "commit completed with rejections",
			"dirty", dirty,
			"failed", failed,
			"elapsed", elapsed,
		)
	default:
		l.DebugContext(ctx, "commit completed",
			"dirty", dirty,
			"elapsed", elapsed,
		)
	}
}

// LogFlush logs a structure flush.
func (l *Logger) LogFlush(ctx context.Context, key string, changed bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "structure flush failed",
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "structure flushed",
			"key", key,
			"changed", changed,
		)
	}
}

// LogDelete logs a cascading delete.
func (l *Logger) LogDelete(ctx context.Context, model string, deleted int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"model", model,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"model", model,
			"deleted", deleted,
		)
	}
}
