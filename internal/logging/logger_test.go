package logging

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.WithNode("node-1").Error("something broke", "attr", "child")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "statetree.log"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}

	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "something broke" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["node_id"] != "node-1" {
		t.Errorf("node_id = %v, persistent attributes must survive chaining", entry["node_id"])
	}
	if entry["attr"] != "child" {
		t.Errorf("attr = %v", entry["attr"])
	}
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelWarn)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("filtered out")
	logger.Warn("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "statetree.log"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "filtered out") {
		t.Error("INFO must be filtered at WARN level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("WARN must pass at WARN level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithChainingDoesNotMutateParent(t *testing.T) {
	base := NopLogger()
	child := base.WithNode("n1").WithTask("t1")

	if len(base.attrs) != 0 {
		t.Error("chaining must not mutate the parent logger")
	}
	if len(child.attrs) != 2 {
		t.Errorf("child carries %d attrs, want 2", len(child.attrs))
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	l := NopLogger()
	l.Debug("quiet")
	l.Error("quiet", "k", "v")
	if err := l.Close(); err != nil {
		t.Errorf("Close on a nop logger failed: %v", err)
	}
}
