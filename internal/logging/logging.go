package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a structured logger that writes to the console. Arguments after
// the message are key-value pairs.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger at info level writing JSON to stdout.
func NewLogger() *Logger {
	return New(os.Stdout, "info", false)
}

// New creates a Logger writing to w at the given level. pretty switches to
// the human readable console format.
func New(w io.Writer, level string, pretty bool) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that adds kv to every entry.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{zl: l.zl.With().Fields(kv).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kv ...any) {
	l.zl.Debug().Fields(kv).Msg(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, kv ...any) {
	l.zl.Info().Fields(kv).Msg(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, kv ...any) {
	l.zl.Warn().Fields(kv).Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, kv ...any) {
	l.zl.Error().Fields(kv).Msg(msg)
}
