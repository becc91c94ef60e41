// Package logging provides structured logging for changegate using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Services take a Component
// child at construction time rather than reading it later.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console or json.
	Format string

	// Output defaults to stderr.
	Output io.Writer

	// EnableCaller adds file:line to every entry.
	EnableCaller bool
}

// ParseLevel maps a configured level name to a zerolog level. An empty
// name means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return parsed, nil
}

// Init replaces the base logger. An unknown level falls back to info and
// is reported on the new logger.
func Init(cfg Config) {
	level, levelErr := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Format != "json" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
			NoColor:    !colorOutput(output),
		}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	Logger = ctx.Logger()

	if levelErr != nil {
		Logger.Warn().Err(levelErr).Msg("using info level")
	}
}

func colorOutput(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (f == os.Stderr || f == os.Stdout)
}

// Component creates a logger with a component field.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithRequest creates a child of base carrying a change request ID.
func WithRequest(base zerolog.Logger, requestID string) zerolog.Logger {
	return base.With().Str("request_id", requestID).Logger()
}

// WithDevice creates a child of base carrying a device ID and name.
func WithDevice(base zerolog.Logger, deviceID, deviceName string) zerolog.Logger {
	return base.With().Str("device_id", deviceID).Str("device", deviceName).Logger()
}

// OpenOutput returns the writer for a configured log file, or stderr when
// path is empty. Parent directories are created. The returned close
// function is always non-nil.
func OpenOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stderr, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
