package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger_WritesJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger := NewLogger(false, logPath)
	logger.Info("hello", "taskId", "T1")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("expected log file to be written: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error: %v, raw: %s", err, data)
	}
	if decoded["taskId"] != "T1" {
		t.Errorf("expected taskId attr to survive, got %v", decoded["taskId"])
	}
}

func TestNewLogger_FanOutToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "orchestrator.log")

	logger := NewLogger(true, logPath)
	logger.Debug("fan out test")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("expected log file to be written: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty log file content")
	}
}

func TestMultiHandler_EnabledIfAnyInnerEnabled(t *testing.T) {
	quiet := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})
	verbose := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	mh := &multiHandler{handlers: []slog.Handler{quiet, verbose}}

	if !mh.Enabled(nil, slog.LevelDebug) {
		t.Error("expected multiHandler to report enabled when any inner handler is enabled")
	}
}
