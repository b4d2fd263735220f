// Package logger provides the shared zerolog instance used across AdmitQ.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// SetLevel adjusts the global log level from a config string
// ("debug", "info", "warn", "error"). Unknown values keep the current level.
func SetLevel(level string) {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && lvl != zerolog.NoLevel {
		Log = Log.Level(lvl)
	}
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
