// Package logger wraps logrus with the defaults used across the engagement layer.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Level      string
	Format     string // text | json
	Output     string // stdout | stderr | file
	FilePrefix string
}

// Logger is a logrus logger carrying a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a logger from configuration. Unknown levels fall back to info.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	base.SetOutput(resolveOutput(cfg))
	return &Logger{Logger: base, component: "engagement"}
}

// NewDefault returns an info-level text logger tagged with the component name.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	l.component = component
	return l
}

// Named returns a logger sharing the same sink but tagged with another component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component reports the component name attached to entries.
func (l *Logger) Component() string { return l.component }

// WithField starts an entry that always carries the component field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithField(key, value)
}

// WithFields starts an entry with multiple fields plus the component field.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithFields(fields)
}

// WithError starts an entry carrying err and the component field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithError(err)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger {
	l := NewDefault("discard")
	l.SetOutput(io.Discard)
	return l
}

func resolveOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "engagement"
		}
		name := filepath.Clean(prefix + "-" + time.Now().UTC().Format("20060102") + ".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}
