package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// A non-empty level overrides the environment default. A nil writer
// logs to stdout.
func NewLogger(env, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, withLevel(opts, level))
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, withLevel(opts, level))
	}

	return slog.New(handler)
}

func withLevel(opts *slog.HandlerOptions, level string) *slog.HandlerOptions {
	switch strings.ToLower(level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	return opts
}
