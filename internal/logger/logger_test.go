package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Level: "info", Format: "json"})
	log.Info("Parse completed.", "attemptId", "a-1")
	log.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q", lines[0])
	}
	if entry["attemptId"] != "a-1" {
		t.Errorf("expected attemptId attribute, got %v", entry["attemptId"])
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Level: "debug", Format: "text"})
	log.Debug("Resolving source.", "sourceId", "local:/tmp/a.pdf")
	if !strings.Contains(buf.String(), "sourceId=local:/tmp/a.pdf") {
		t.Errorf("expected text attribute, got %q", buf.String())
	}
}
