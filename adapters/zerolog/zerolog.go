// Package zerolog adapts rs/zerolog to the transport's Logger
// interface.
package zerolog

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger implements esb.Logger on top of a zerolog.Logger.
type Logger struct {
	log zerolog.Logger
}

// New wraps an existing zerolog logger.
func New(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

// NewConsole creates a logger writing human-readable output to stderr,
// suitable for the standalone host binary.
func NewConsole() *Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return &Logger{log: zerolog.New(writer).With().Timestamp().Logger()}
}

// Debugf implements esb.Logger.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

// Infof implements esb.Logger.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

// Warnf implements esb.Logger.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

// Errorf implements esb.Logger.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

// Info implements esb.Logger.
func (l *Logger) Info(message string) {
	l.log.Info().Msg(message)
}
