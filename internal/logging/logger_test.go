package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"chatty", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetup_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := Setup(&buf, "", slog.LevelWarn)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer func() { _ = closeFn() }()

	logger.Info("Hidden")
	logger.Warn("Reconnecting", "attempt", 2)

	out := buf.String()
	if strings.Contains(out, "Hidden") {
		t.Errorf("Expected info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "attempt=2") {
		t.Errorf("Expected text attrs in console output, got %q", out)
	}
}

func TestSetup_WritesJSONFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "client.log")

	logger, closeFn, err := Setup(&buf, path, slog.LevelInfo)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	logger.With("job_id", "p1").Info("Job finished", "state", "succeeded")
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("Expected one JSON record, got %q: %v", data, err)
	}
	if record["msg"] != "Job finished" || record["job_id"] != "p1" || record["state"] != "succeeded" {
		t.Errorf("Unexpected record %v", record)
	}
	if !strings.Contains(buf.String(), "job_id=p1") {
		t.Errorf("Expected console copy, got %q", buf.String())
	}
}
