// Package log provides structured logging for the validator core. It wraps
// Go's log/slog with per-module child loggers and an optional rotating file
// sink, the way a long-running validator process needs.
package log

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog.Logger with validator-specific context.
type Logger struct {
	inner *slog.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger *Logger

func init() {
	defaultLogger = New(slog.LevelInfo)
}

// New creates a Logger that writes JSON to stderr at the given level.
func New(level slog.Level) *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{inner: slog.New(h)}
}

// FileConfig configures the rotating file sink used by NewWithFile.
type FileConfig struct {
	Path       string // destination file; empty disables file rotation
	MaxSizeMB  int    // megabytes before rotation, default 100
	MaxBackups int    // old files to retain
	MaxAgeDays int    // days to retain old files
	Compress   bool   // gzip rotated files
}

// NewWithFile creates a Logger that writes JSON to both stderr and a
// lumberjack-rotated file, for daemon deployments where stderr is not
// collected.
func NewWithFile(level slog.Level, fc FileConfig) *Logger {
	if fc.Path == "" {
		return New(level)
	}
	rotator := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    orDefault(fc.MaxSizeMB, 100),
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
	w := io.MultiWriter(os.Stderr, rotator)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{inner: slog.New(h)}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler. Useful
// for tests that want to assert on emitted records.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger tagged with an additional "module"
// attribute. This is how each replay-core component (replay, forkchoice,
// tower, progress) obtains its own contextual logger.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// Debug logs at LevelDebug using the default logger.
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }

// Info logs at LevelInfo using the default logger.
func Info(msg string, args ...any) { defaultLogger.Info(msg, args...) }

// Warn logs at LevelWarn using the default logger.
func Warn(msg string, args ...any) { defaultLogger.Warn(msg, args...) }

// Error logs at LevelError using the default logger.
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }
