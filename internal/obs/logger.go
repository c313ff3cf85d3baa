// Package obs holds the logging and metrics hooks shared by the
// client core. Logging is zerolog; metrics stay behind a tiny Meter
// interface so embedders can bridge to their own system.
package obs

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a structured logger writing to w at the given level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Nop returns a disabled logger; the default for library use.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Console returns a human-readable logger for CLI use.
func Console(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}
