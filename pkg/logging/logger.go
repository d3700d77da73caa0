// Package logging configures zerolog for programs using the client.
// Library packages never build their own root logger: they derive component
// loggers from the global one, so Setup decides level and output for all of them.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a level name as accepted by zerolog ("debug", "info", ...).
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelDisabled LogLevel = "disabled"
)

// Component names used by the library packages.
const (
	ComponentClient     = "b24-client"
	ComponentRateLimit  = "ratelimit"
	ComponentPagination = "pagination"
)

// Config selects level, format and destination of the global logger.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console format.
	Pretty bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// ConfigFromEnv builds a Config from LOG_LEVEL and LOG_FORMAT ("pretty" for
// console output). Unset variables keep the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = LogLevel(level)
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "pretty") {
		cfg.Pretty = true
	}
	return cfg
}

// Setup installs the global logger and level and returns the logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}

// parseLevel maps a level name to zerolog; "warning" is accepted for warn and
// unknown names fall back to info.
func parseLevel(level LogLevel) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(name)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// NewLogger derives a logger tagged with component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// What goes where:
//
//	debug  attempts, batch chunk keys, pager flushes, operating state updates
//	info   completed fetches (items, requests, duration)
//	warn   retries, API error responses, throttling
//	error  failed calls after retries, blocked methods
//
// Common fields: method, request_id, status, error_code, error_class,
// attempt, operating, strategy, duration.
