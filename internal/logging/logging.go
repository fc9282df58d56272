// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	root zerolog.Logger
)

// Init configures the logger once. level is debug/info/warn/error; format
// is "console" for human output or "json" for structured lines. Later
// calls are no-ops.
func Init(level, format string) {
	once.Do(func() {
		zerolog.SetGlobalLevel(parseLevel(level))
		var w = os.Stdout
		if format == "console" {
			root = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
			return
		}
		root = zerolog.New(w).With().Timestamp().Logger()
	})
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns the process logger, initializing with defaults first if
// Init was never called.
func Get() *zerolog.Logger {
	Init("info", "json")
	return &root
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}
