// Package logging configures the structured logger shared by all services.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog so services can hand out component-scoped children.
type Logger struct {
	*slog.Logger
}

// New builds a logger writing to stderr. JSON mode is what the stack's
// log collector expects; text mode is for running a service by hand.
func New(jsonMode bool) *Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_DEBUG") != "" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return &Logger{slog.New(handler)}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *slog.Logger {
	return l.With("component", name)
}
