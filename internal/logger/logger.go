// Package logger provides the shared structured logger for geocdn.
//
// It wraps log/slog behind a small package-level API so that every
// component logs through the same handler without threading a logger
// value everywhere. The handler is rebuilt whenever level or format
// changes.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

var (
	mu      sync.RWMutex
	level   = new(slog.LevelVar)
	format  = "text"
	output  io.Writer = os.Stdout
	slogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
)

// reconfigure rebuilds the slog handler from the current settings.
// Callers must hold mu.
func reconfigure() {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
	} else {
		slogger = slog.New(slog.NewTextHandler(output, opts))
	}
}

// Init initializes the logger with the given configuration.
// Output can be "stdout", "stderr", or a file path.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		output = f
	}

	if cfg.Level != "" {
		level.Set(parseLevel(cfg.Level))
	}
	if f := strings.ToLower(cfg.Format); f == "text" || f == "json" {
		format = f
	}

	reconfigure()
	return nil
}

// InitWithWriter initializes the logger with a custom io.Writer.
// This is primarily useful for testing.
func InitWithWriter(w io.Writer, lvl, fmt_ string) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	if lvl != "" {
		level.Set(parseLevel(lvl))
	}
	if f := strings.ToLower(fmt_); f == "text" || f == "json" {
		format = f
	}
	reconfigure()
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getLogger() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

// Debug logs at debug level with structured fields.
// Usage: Debug("message", "key1", value1, "key2", value2)
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Info logs at info level with structured fields.
func Info(msg string, args ...any) { getLogger().Info(msg, args...) }

// Warn logs at warn level with structured fields.
func Warn(msg string, args ...any) { getLogger().Warn(msg, args...) }

// Error logs at error level with structured fields.
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }

// With returns a slog.Logger with additional pre-bound attributes.
func With(args ...any) *slog.Logger { return getLogger().With(args...) }
