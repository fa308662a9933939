package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process-wide zerolog logger. Format is
// "json" for machine consumption or "console" for a terminal; an
// unparseable level falls back to info.
func InitLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Caller().Logger()
	log.Info().Str("level", lvl.String()).Str("format", format).Msg("Logging configured")
}

// NewLogger returns a logger tagged with a component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewScopeLogger returns a logger tagged with a component and the
// trading scope it works in. Everything a scope's tasks log carries
// the slug so interleaved scopes stay separable.
func NewScopeLogger(component, scopeSlug string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("scope", scopeSlug).
		Logger()
}
