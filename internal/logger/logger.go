// Package logger provides a configured zerolog logger.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a new zerolog.Logger configured for the application, carrying
// a fixed "service" field so log aggregation can separate dispatcher
// instances from one another.
func New(serviceName string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

// ForStore returns a child logger scoped to a single store, so dispatch
// log lines carry the store identifier.
func ForStore(base zerolog.Logger, storeID string) zerolog.Logger {
	return base.With().Str("store", storeID).Logger()
}
