// Package observability holds logger construction and the opt-in diagnostics
// toggles wired through the HTTP surface.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// InitLogger builds the process logger. Console output is human-readable on a
// TTY-style stream; level names fall back to info when unparsable.
func InitLogger(level string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}
