package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a structured logger backed by logrus.
// Trailing arguments are alternating key/value pairs.
type Logger struct {
	entry *logrus.Entry
}

// Options controls logger construction.
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// NewLogger creates a new Logger writing text to stdout at info level.
func NewLogger() *Logger {
	return New(Options{})
}

// New creates a Logger from options.
func New(opts Options) *Logger {
	l := logrus.New()
	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stdout)
	}
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &Logger{entry: logrus.NewEntry(l)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Options{Output: io.Discard, Level: "panic"})
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(kv))}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kv ...any) {
	l.entry.WithFields(fields(kv)).Debug(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, kv ...any) {
	l.entry.WithFields(fields(kv)).Info(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, kv ...any) {
	l.entry.WithFields(fields(kv)).Warn(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, kv ...any) {
	l.entry.WithFields(fields(kv)).Error(msg)
}

func fields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			f[key] = "(MISSING)"
			break
		}
		f[key] = kv[i+1]
	}
	return f
}
