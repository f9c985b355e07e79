// Package logger builds the root structured logger. Components derive their
// child loggers from it with With().Str("component"|"repo"|"handler"|"job", …).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultService = "gridtrader"

// Config holds logger configuration
type Config struct {
	Level   string    // trace, debug, info, warn, error; anything else means info
	Pretty  bool      // human-readable console output for dev runs
	Service string    // service field stamped on every line; defaults to gridtrader
	Output  io.Writer // destination; nil means stdout
}

// New creates the root logger. The level rides on the logger itself rather
// than zerolog's global level, so tests can build isolated loggers.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	service := cfg.Service
	if service == "" {
		service = defaultService
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// SetGlobalLogger routes the zerolog package-level logger through l
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
