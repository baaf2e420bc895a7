// Package logging builds the slog loggers used across the sync engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kimhsiao/stocksync/backend/internal/config"
	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
)

// New creates a logger writing to stderr and installs it as the slog default.
//
// Format "json" produces structured JSON output; "text" produces human-readable
// output with source locations. Level is one of debug, info, warn, error.
func New(cfg config.LogConfig) *slog.Logger {
	logger := NewWithWriter(os.Stderr, cfg)
	slog.SetDefault(logger)
	return logger
}

// NewWithWriter creates a logger writing to out without touching the default.
func NewWithWriter(out io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: strings.EqualFold(cfg.Format, "text"),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops every record.
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

// Component tags every record from the returned logger with a component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	return OrDefault(l).With("component", name)
}

// Err returns attributes describing err, including its application error code.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Group("error",
		slog.String("code", string(apperrors.CodeOf(err))),
		slog.String("message", err.Error()),
	)
}

// ParseLevel maps a level name to a slog level; unknown names map to info.
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
