// Package logging builds the slog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// New creates a logger writing to w.
// format "text" uses a colourised tint handler for terminals, "json" a plain JSON handler for log collectors.
func New(format, level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s, must be one of 'debug', 'info', 'warn', 'error'", level)
	}

	var h slog.Handler
	switch format {
	case "text":
		h = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05.000",
		})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s, must be 'text' or 'json'", format)
	}

	return slog.New(h), nil
}

// Discard returns a logger that drops everything, for tests and library defaults.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
