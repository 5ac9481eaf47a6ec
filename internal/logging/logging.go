// Package logging provides structured logging using Go's log/slog.
//
// Configuration is controlled via environment variables:
//   - CODESCAN_LOG_LEVEL: debug, info, warn, error (default: info)
//   - CODESCAN_LOG_FORMAT: text, json (default: text)
//
// Console logging goes to stderr so stdout stays clean for data output.
// The scanner daemon additionally logs to a file inside the target
// repository; see NewWithFile.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Level  slog.Level
	Format string    // "text" or "json"
	Output io.Writer // defaults to os.Stderr
	Source string    // component name attached to every record
}

// DefaultConfig returns sensible defaults for the given component.
func DefaultConfig(source string) Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: "text",
		Output: os.Stderr,
		Source: source,
	}
}

// LoadConfigFromEnv reads logging config from CODESCAN_LOG_LEVEL and
// CODESCAN_LOG_FORMAT, falling back to defaults.
func LoadConfigFromEnv(source string) Config {
	cfg := DefaultConfig(source)

	if level := os.Getenv("CODESCAN_LOG_LEVEL"); level != "" {
		if parsed, ok := ParseLevel(level); ok {
			cfg.Level = parsed
		}
	}
	if format := os.Getenv("CODESCAN_LOG_FORMAT"); format != "" {
		cfg.Format = strings.ToLower(format)
	}

	return cfg
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// New creates a configured slog.Logger.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler).With("source", cfg.Source)
}

// Default returns a logger configured from the environment. This is the
// recommended constructor for CLI entry points.
func Default(source string) *slog.Logger {
	return New(LoadConfigFromEnv(source))
}

// NewWithFile returns a logger that appends to the given file in addition
// to stderr, plus a closer for the file. The scanner daemon uses this so a
// long-running session leaves a log next to its report.
func NewWithFile(source, path string) (*slog.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	cfg := LoadConfigFromEnv(source)
	cfg.Output = io.MultiWriter(os.Stderr, f)
	return New(cfg), f, nil
}

// Nop returns a logger that discards all output. Useful in tests.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
