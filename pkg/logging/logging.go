// Package logging configures structured logging for the settlement daemon.
//
// Two output formats are supported: "text" renders colored human-readable
// lines with tint for development, "json" emits one JSON object per line
// for log shippers. Format and level come from the environment:
//
//	LOG_FORMAT: text, json (default: text)
//	LOG_LEVEL:  debug, info, warn, error (default: info)
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs the process-wide default logger from the environment and
// returns it.
func Setup() *slog.Logger {
	logger := New(os.Stderr, formatFromEnv(), levelFromEnv())
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w in the given format.
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func formatFromEnv() string {
	if f := os.Getenv("LOG_FORMAT"); f != "" {
		return f
	}
	return "text"
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
