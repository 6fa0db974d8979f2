// Package logging defines a minimal structured-logging interface used across
// the project, with slog and zap backends.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key–value pairs, e.g.:
//
//	log.Info(ctx, "otp issued", "op", "login", "account_id", id)
type Logger interface {
	// Debug logs diagnostic detail that is off in production.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key–value pairs.
	With(args ...any) Logger
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// New builds a Logger for the given format: "json" and "text" use slog
// handlers writing to w, "zap" uses a production zap logger.
func New(format string, w io.Writer) (Logger, error) {
	switch format {
	case "", "json":
		return NewSlogLogger(slog.New(slog.NewJSONHandler(w, nil))), nil
	case "text":
		return NewSlogLogger(slog.New(slog.NewTextHandler(w, nil))), nil
	case "zap":
		z, err := NewProductionZapLogger()
		if err != nil {
			return nil, err
		}
		return z, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
