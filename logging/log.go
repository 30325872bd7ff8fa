// Package logging provides component loggers on top of log/slog.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Setup installs the process-wide handler. Component loggers pick it up on
// their next call.
func Setup(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a CLI level name to a slog level. Unknown names yield info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// ComponentLogger tags every record with a component attribute and resolves
// slog.Default() per call.
type ComponentLogger struct {
	component string
}

// Logger returns a logger for one subsystem, e.g. Logger("discovery").
func Logger(component string) *ComponentLogger {
	return &ComponentLogger{component: component}
}

func (l *ComponentLogger) base() *slog.Logger {
	return slog.Default().With("component", l.component)
}

func (l *ComponentLogger) Debug(msg string, args ...any) { l.base().Debug(msg, args...) }

func (l *ComponentLogger) Info(msg string, args ...any) { l.base().Info(msg, args...) }

func (l *ComponentLogger) Warn(msg string, args ...any) { l.base().Warn(msg, args...) }

func (l *ComponentLogger) Error(msg string, args ...any) { l.base().Error(msg, args...) }

// With returns a plain slog.Logger carrying extra attributes.
func (l *ComponentLogger) With(args ...any) *slog.Logger {
	return l.base().With(args...)
}
