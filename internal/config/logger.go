package config

import (
	"fmt"
	"log/slog"
	"os"
)

// ParseLevel maps a configured level name to a slog level. Unknown names
// log at info.
func ParseLevel(name string) slog.Level {
	switch name {
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

// NewLogger creates the structured logger described by cfg. Output is
// "stdout", "stderr" or a file path opened for appending; an empty output,
// or a file that cannot be opened, writes to fallback.
func NewLogger(cfg LoggingConfig, fallback *os.File) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	output := fallback
	switch cfg.Output {
	case "":
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to %s\n", cfg.Output, err, fallback.Name())
		} else {
			output = file
		}
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, opts))
	}
	return slog.New(slog.NewTextHandler(output, opts))
}
