// Package logging builds the process-wide structured logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the on-wire shape of log output.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format Format
}

// New builds a zerolog.Logger per Config. Unknown levels fall back to info;
// unknown formats fall back to JSON so the process never fails to start over a
// logging typo.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer = os.Stdout
	var logger zerolog.Logger
	if cfg.Format == FormatPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(writer).With().Timestamp().Logger()
	}

	return logger.Level(level)
}
