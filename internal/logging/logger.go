// Package logging provides structured logging configuration using log/slog.
//
// Loggers pick up the chi request id for HTTP-triggered work and the run id
// and layer for ingestion work, so every line of one sync can be correlated.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const runAttrsKey ctxKey = iota

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, level, format)))
}

// NewHandler builds the handler Setup installs, writing to w.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLevel converts a string log level to slog.Level.
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

// FromContext returns a logger enriched with request and run context.
//
//	func handleSync(w http.ResponseWriter, r *http.Request) {
//	    logger := logging.FromContext(r.Context())
//	    logger.Info("sync requested", "sources", codes)
//	}
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if attrs, ok := ctx.Value(runAttrsKey).([]any); ok {
		logger = logger.With(attrs...)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}

// WithRun returns a context whose loggers carry run_id and layer, plus the
// logger itself for immediate use.
//
//	ctx, log := logging.WithRun(ctx, runID, "admin0")
//	log.Info("staging started", "table", staging)
func WithRun(ctx context.Context, runID, layer string) (context.Context, *slog.Logger) {
	attrs := []any{"run_id", runID, "layer", layer}
	if prev, ok := ctx.Value(runAttrsKey).([]any); ok {
		attrs = append(append([]any{}, prev...), attrs...)
	}
	ctx = context.WithValue(ctx, runAttrsKey, attrs)
	return ctx, FromContext(ctx)
}
