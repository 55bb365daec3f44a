package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog.Logger
type Logger struct {
	zerolog.Logger
}

// Options tunes level and the optional rotated log file.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a new logger instance
func New(serviceName string, environment string) *Logger {
	return NewWithOptions(serviceName, environment, Options{})
}

// NewWithOptions creates a logger that also writes to a rotated file when
// opts.File is set. An unknown level falls back to info.
func NewWithOptions(serviceName, environment string, opts Options) *Logger {
	var output io.Writer = os.Stdout

	if environment == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	if opts.File != "" {
		output = io.MultiWriter(output, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		})
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// FromWriter returns a JSON logger writing to w.
func FromWriter(w io.Writer) *Logger {
	return &Logger{Logger: zerolog.New(w).With().Timestamp().Logger()}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithCorrelationID returns a logger with the correlation ID attached
func (l *Logger) WithCorrelationID(correlationID string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("correlation_id", correlationID).Logger(),
	}
}

// WithProduct returns a logger scoped to a product code
func (l *Logger) WithProduct(code string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("product", code).Logger(),
	}
}

// WithComponent returns a logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("component", component).Logger(),
	}
}
