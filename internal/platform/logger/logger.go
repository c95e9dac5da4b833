// Package logger provides a configured zerolog logger.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a new zerolog.Logger configured for the application.
// AUTOEDA_LOG_LEVEL overrides the default info level.
func New(serviceName string) zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("AUTOEDA_LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

// Nop returns a logger that discards everything; used by tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
