package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Debug {
		t.Error("debug must default off")
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.Scheduler.WaitTimeout() != 0 {
		t.Errorf("wait timeout = %v, want 0", cfg.Scheduler.WaitTimeout())
	}
	if cfg.Scheduler.MinDebounce() != time.Millisecond {
		t.Errorf("min debounce = %v, want 1ms", cfg.Scheduler.MinDebounce())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := "debug: true\nlogging:\n  level: debug\nscheduler:\n  wait_timeout_seconds: 30\n"
	if err := os.WriteFile(filepath.Join(dir, "statetree.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Debug {
		t.Error("debug must load from file")
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("level = %q, want DEBUG (normalized)", cfg.Logging.Level)
	}
	if cfg.Scheduler.WaitTimeout() != 30*time.Second {
		t.Errorf("wait timeout = %v, want 30s", cfg.Scheduler.WaitTimeout())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("level = %q, want INFO", cfg.Logging.Level)
	}
}

func TestNormalizeClampsBadValues(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "noise"},
		Scheduler: SchedulerConfig{WaitTimeoutSeconds: -5, MinDebounceMs: -1},
	}
	cfg.normalize()
	if cfg.Logging.Level != "INFO" {
		t.Errorf("level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.Scheduler.WaitTimeoutSeconds != 0 {
		t.Errorf("wait timeout = %d, want 0", cfg.Scheduler.WaitTimeoutSeconds)
	}
	if cfg.Scheduler.MinDebounceMs != 1 {
		t.Errorf("min debounce = %d, want 1", cfg.Scheduler.MinDebounceMs)
	}
}

func TestSetDebugReturnsPrevious(t *testing.T) {
	prev := SetDebug(true)
	defer SetDebug(prev)

	if !Debug() {
		t.Error("expected debug on")
	}
	if !SetDebug(false) {
		t.Error("expected the previous value back")
	}
	if Debug() {
		t.Error("expected debug off")
	}
}
