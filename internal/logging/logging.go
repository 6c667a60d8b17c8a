// Package logging builds the service's JSON slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON logger on stdout tagged with service and env.
func New(level, service, env string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, service, env)
}

func NewWithWriter(w io.Writer, level, service, env string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With(
		slog.String("service", service),
		slog.String("env", env),
	)
}

func ParseLevel(level string) slog.Level {
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
