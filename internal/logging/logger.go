// Package logging provides structured, leveled logging for the
// driver, with chainable context loggers for the device, queue, and
// request scope a log line was produced in.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel is aliased to slog's own severity type so a Config's Level
// composes directly with slog.HandlerOptions without a translation
// layer.
type LogLevel = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config controls how a Logger encodes and emits records.
type Config struct {
	Level LogLevel
	// Format selects the record encoding: "json" or anything else for
	// plain key=value text.
	Format string
	Output io.Writer
	// Sync is accepted for compatibility with callers that previously
	// configured a buffered writer and wanted every record flushed
	// immediately; both handlers built here write straight through to
	// Output on every call, so this has no additional effect.
	Sync bool
	// NoColor is accepted for compatibility with terminal-aware
	// callers. Neither handler built here emits color codes, so this
	// has no additional effect.
	NoColor bool
}

// DefaultConfig returns a sensible default configuration: info level,
// text encoding, stderr output.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Format: "text", Output: os.Stderr}
}

// Logger wraps a *slog.Logger, adding the driver's own vocabulary for
// attaching device, queue, and request context to a line of logging.
type Logger struct {
	logger *slog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger builds a Logger from config, defaulting to DefaultConfig
// when config is nil.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: config.Level}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

// Default returns the package's default logger, constructing one from
// DefaultConfig on first use.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the package's default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithDevice returns a Logger that annotates every record with the
// controller's PCI device context, for the bring-up and teardown path
// where no queue or request exists yet.
func (l *Logger) WithDevice(deviceID int) *Logger {
	return &Logger{logger: l.logger.With("device_id", deviceID)}
}

// WithQueue returns a Logger that annotates every record with a queue
// identifier, layered over any device context already attached.
func (l *Logger) WithQueue(queueID int) *Logger {
	return &Logger{logger: l.logger.With("queue_id", queueID)}
}

// WithRequest returns a Logger that annotates every record with a
// command identifier and the operation it was submitted for, layered
// over any device/queue context already attached.
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return &Logger{logger: l.logger.With("tag", tag, "op", op)}
}

// WithError returns a Logger that annotates every record with err,
// for a failure path that logs more than one line about the same
// error.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With("error", err)}
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Printf-style logging, for call sites that build their own message
// rather than passing structured key=value pairs.
func (l *Logger) Debugf(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// Printf is an alias for Infof, for call sites expecting a generic
// formatter.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on Default().
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
