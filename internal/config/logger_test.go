package config

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pac.log")
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path}, os.Stderr)

	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Errorf("info enabled at warn level")
	}
	logger.Warn("Disk nearly full", slog.Int("free_mb", 12))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, data)
	}
	if entry["msg"] != "Disk nearly full" || entry["free_mb"] != float64(12) {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewLoggerFallsBack(t *testing.T) {
	fallback, err := os.Create(filepath.Join(t.TempDir(), "fallback.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer fallback.Close()

	for _, output := range []string{"", filepath.Join(t.TempDir(), "missing", "pac.log")} {
		NewLogger(LoggingConfig{Level: "info", Format: "text", Output: output}, fallback).Info("Service starting")
	}

	data, err := os.ReadFile(fallback.Name())
	if err != nil {
		t.Fatal(err)
	}
	if got := bytes.Count(data, []byte("\n")); got != 2 {
		t.Errorf("fallback got %d lines, want 2:\n%s", got, data)
	}
}
