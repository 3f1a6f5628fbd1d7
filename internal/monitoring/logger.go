// Package monitoring holds the structured logger constructor and the
// Prometheus collectors shared across the server.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects the minimum level and output format.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// NewLogger builds the service logger: JSON to stdout by default, console
// writer for local development. Components derive their own with
// .With().Str("component", ...).
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "boopd").
		Logger()
}
