package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by the logger
type ContextKey string

const (
	// LoggerKey is the context key for the logger instance
	LoggerKey ContextKey = "logger"
)

// RunLogTimeFormat is the timestamp layout of run log lines.
const RunLogTimeFormat = "02.01.2006 15:04:05"

// Console returns the human-readable writer used for terminal output
func Console() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
}

// ConsoleAt returns Console filtered to events at or above level
func ConsoleAt(level zerolog.Level) zerolog.LevelWriter {
	return &zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: Console()},
		Level:  level,
	}
}

// New creates a new structured logger with default configuration
func New() zerolog.Logger {
	return zerolog.New(Console()).With().Timestamp().Caller().Logger()
}

// NewWithWriter creates a new structured logger with a custom writer
func NewWithWriter(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// Tee creates a logger writing every event to all writers
func Tee(writers ...io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

// RunLog is the plain-text log kept next to the output files. It is opened
// for appending so that consecutive runs accumulate in one file.
type RunLog struct {
	f *os.File
	w io.Writer
}

// OpenRunLog opens or creates the run log at path
func OpenRunLog(path string) (*RunLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("OpenRunLog: creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("OpenRunLog: %w", err)
	}
	return &RunLog{
		f: f,
		w: zerolog.ConsoleWriter{
			Out:        f,
			NoColor:    true,
			TimeFormat: RunLogTimeFormat,
		},
	}, nil
}

// Writer returns the formatting writer of the run log
func (r *RunLog) Writer() io.Writer {
	return r.w
}

// Path returns the file name of the run log
func (r *RunLog) Path() string {
	return r.f.Name()
}

// Close syncs and closes the run log
func (r *RunLog) Close() error {
	if err := r.f.Sync(); err != nil {
		_ = r.f.Close()
		return fmt.Errorf("RunLog.Close: sync: %w", err)
	}
	return r.f.Close()
}

// WithContext adds the logger to the context
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from the context or returns a default logger
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return New()
}

// WithFields adds structured fields to a logger
func WithFields(logger zerolog.Logger, fields map[string]interface{}) zerolog.Logger {
	ctx := logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}
