// Package obs is the ambient observability stack every run wires up
// regardless of which protocol it simulates: a zerolog logger (console or
// JSON output, parsed level with an InfoLevel fallback), a run-scoped
// correlation id, and an optional Prometheus metrics server exposing the
// simulator's own progress (step, pending messages, decided count).
package obs

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewLogger builds a zerolog.Logger from cfg: console writer for
// human-readable local runs, a bare JSON stream otherwise, falling back to
// InfoLevel on an unparseable level.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// NewRunID mints a fresh correlation id for one simulator invocation, logged
// alongside every line so concurrent runs' output can be told apart even
// when interleaved on the same stream.
func NewRunID() string {
	return uuid.NewString()
}
