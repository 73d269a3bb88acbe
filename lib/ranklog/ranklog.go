/*package ranklog configures the structured logging used across darter.
Every event carries the rank that wrote it, so interleaved output from many
ranks stays attributable.*/
package ranklog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a logger writing JSON events to w, each stamped with a
// timestamp and the given rank.
func New(w io.Writer, rank int) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Int("rank", rank).Logger()
}

// Console returns a logger writing human-readable lines to stderr, for
// interactive runs.
func Console(rank int) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(w).With().Timestamp().Int("rank", rank).Logger()
}

// Quiet returns a logger that drops everything.
func Quiet() zerolog.Logger {
	return zerolog.Nop()
}
