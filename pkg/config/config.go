// Package config loads ambient configuration for the terminal service:
// monitoring timings, default selection mode, and logging level.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Selection  SelectionConfig  `yaml:"selection"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MonitoringConfig controls the reader observation state machine's timings.
type MonitoringConfig struct {
	Strategy                string `yaml:"strategy"`
	ActivePollingCycleMS    int    `yaml:"active_polling_cycle_ms"`
	BlockingInsertionTimeMS int    `yaml:"blocking_insertion_timeout_ms"`
}

// SelectionConfig controls the default multi-selection scenario mode.
type SelectionConfig struct {
	DefaultMode string `yaml:"default_mode"`
}

// LoggingConfig controls the level of the package-default logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with the library's own defaults, the
// same values NewReader and NewPipeline fall back to when left unconfigured.
func Default() *Config {
	return &Config{
		Monitoring: MonitoringConfig{
			Strategy:                "blocking",
			ActivePollingCycleMS:    200,
			BlockingInsertionTimeMS: 30000,
		},
		Selection: SelectionConfig{
			DefaultMode: "first_match",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate rejects unrecognized enum values before they reach the reader or
// pipeline constructors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Monitoring.Strategy) {
	case "blocking", "active_polling", "smart_insertion":
	default:
		return fmt.Errorf("monitoring.strategy: unrecognized value %q", c.Monitoring.Strategy)
	}

	switch strings.ToLower(c.Selection.DefaultMode) {
	case "first_match", "process_all":
	default:
		return fmt.Errorf("selection.default_mode: unrecognized value %q", c.Selection.DefaultMode)
	}

	if !c.Logging.IsLevelValid() {
		return fmt.Errorf("logging.level: unrecognized value %q", c.Logging.Level)
	}

	if c.Monitoring.ActivePollingCycleMS <= 0 {
		return fmt.Errorf("monitoring.active_polling_cycle_ms must be positive")
	}
	if c.Monitoring.BlockingInsertionTimeMS <= 0 {
		return fmt.Errorf("monitoring.blocking_insertion_timeout_ms must be positive")
	}

	return nil
}

// ActivePollingCycle returns the configured cycle as a Duration.
func (m *MonitoringConfig) ActivePollingCycle() time.Duration {
	return time.Duration(m.ActivePollingCycleMS) * time.Millisecond
}

// BlockingInsertionTimeout returns the configured timeout as a Duration.
func (m *MonitoringConfig) BlockingInsertionTimeout() time.Duration {
	return time.Duration(m.BlockingInsertionTimeMS) * time.Millisecond
}

// IsLevelValid reports whether Level names a known logging level.
func (l *LoggingConfig) IsLevelValid() bool {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}
