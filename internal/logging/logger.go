package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// An empty level keeps the environment default: info in production,
// debug everywhere else.
func NewLogger(env, level string) *slog.Logger {
	return newLogger(os.Stdout, env, level)
}

func newLogger(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if level != "" {
		opts.Level = ParseLevel(level)
	}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a LOG_LEVEL string to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Discard returns a logger that drops everything. Used when a component
// is constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
