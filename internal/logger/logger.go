// Package logger builds the process-wide zerolog.Logger, following the
// teacher's cmd-level setup (api/cmd/sandbox-heartbeat/main.go: console
// writer in development, unix time format) rather than a bespoke
// logging shim.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a Logger at the given level ("debug", "info", "warn",
// "error"; defaults to "info" on an unrecognized value). pretty selects a
// human-readable console writer (development) over structured JSON
// (production).
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
