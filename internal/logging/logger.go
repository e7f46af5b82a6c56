// Package logging sets up structured logging for the CLI and the server.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a console logger on stderr. Verbose mode lowers the level to
// debug; stdout stays free for command output.
func New(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
