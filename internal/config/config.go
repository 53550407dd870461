// Package config holds runtime settings for statetree. Settings are loaded
// once per process through viper, with file discovery and environment
// overrides, and are read by the scheduler and the node error-handling
// policy.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete statetree configuration.
type Config struct {
	// Debug switches the error policy from log-and-continue to fail-fast:
	// errors surfaced through OnError panic immediately instead of being
	// logged. Intended for development and tests.
	Debug bool `mapstructure:"debug"`

	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (default: INFO).
	Level string `mapstructure:"level"`
	// Dir is the directory for the JSON log file. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// SchedulerConfig controls task scheduling defaults.
type SchedulerConfig struct {
	// WaitTimeoutSeconds is the default timeout for Wait when the caller
	// does not supply one. 0 means wait forever.
	WaitTimeoutSeconds int `mapstructure:"wait_timeout_seconds"`
	// MinDebounceMs is the floor applied to debounce/throttle windows to
	// guard against busy loops from a zero wait (default: 1).
	MinDebounceMs int `mapstructure:"min_debounce_ms"`
}

// WaitTimeout returns the default wait timeout as a duration.
func (c SchedulerConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

// MinDebounce returns the debounce floor as a duration.
func (c SchedulerConfig) MinDebounce() time.Duration {
	return time.Duration(c.MinDebounceMs) * time.Millisecond
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Debug: false,
		Logging: LoggingConfig{
			Level: "INFO",
			Dir:   "",
		},
		Scheduler: SchedulerConfig{
			WaitTimeoutSeconds: 0,
			MinDebounceMs:      1,
		},
	}
}

// Load reads configuration from an optional statetree.yaml in the given
// directory (or the working directory when dir is empty), applying
// STATETREE_* environment overrides on top of defaults. A missing file is
// not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()

	v.SetDefault("debug", false)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.dir", "")
	v.SetDefault("scheduler.wait_timeout_seconds", 0)
	v.SetDefault("scheduler.min_debounce_ms", 1)

	v.SetEnvPrefix("STATETREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir == "" {
		if cwd, err := os.Getwd(); err == nil {
			dir = cwd
		}
	}
	if dir != "" {
		v.SetConfigName("statetree")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		v.AddConfigPath(filepath.Join(dir, ".statetree"))

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// normalize clamps out-of-range values back to usable defaults.
func (c *Config) normalize() {
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
		c.Logging.Level = strings.ToUpper(c.Logging.Level)
	default:
		c.Logging.Level = "INFO"
	}
	if c.Scheduler.MinDebounceMs < 0 {
		c.Scheduler.MinDebounceMs = 1
	}
	if c.Scheduler.WaitTimeoutSeconds < 0 {
		c.Scheduler.WaitTimeoutSeconds = 0
	}
}

var (
	mu      sync.RWMutex
	current = Default()
)

// C returns the active configuration.
func C() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set replaces the active configuration. Tests use this to flip debug mode.
func Set(cfg *Config) {
	if cfg == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	current = cfg
}

// SetDebug toggles the fail-fast error policy on the active configuration.
// Returns the previous value so tests can restore it.
func SetDebug(debug bool) bool {
	mu.Lock()
	defer mu.Unlock()
	prev := current.Debug
	current.Debug = debug
	return prev
}

// Debug reports whether the fail-fast error policy is active.
func Debug() bool {
	mu.RLock()
	defer mu.RUnlock()
	return current.Debug
}
