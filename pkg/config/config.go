// Package config loads worker configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slchris/flowgraph/internal/logging"
	"github.com/slchris/flowgraph/internal/metrics"
)

// JobStoreConfig is the configuration object exposed to the core per §6 of
// the job-store contract, plus the ambient logging and metrics sections a
// worker process needs to start.
type JobStoreConfig struct {
	// JobStore is the backend locator string (e.g. "file:/var/lib/flowgraph/jobstore").
	JobStore string `yaml:"jobStore"`

	WorkflowID            string `yaml:"workflowID"`
	WorkflowAttemptNumber int    `yaml:"workflowAttemptNumber"`

	DisableSharedCache             bool `yaml:"disableSharedCache"`
	ReadGlobalFileMutableByDefault bool `yaml:"readGlobalFileMutableByDefault"`
	UseAsync                       bool `yaml:"useAsync"`

	ServicePollingInterval time.Duration `yaml:"servicePollingInterval"`

	DefaultMemory      int64 `yaml:"defaultMemory"`
	DefaultCores       int   `yaml:"defaultCores"`
	DefaultDisk        int64 `yaml:"defaultDisk"`
	DefaultCache       int64 `yaml:"defaultCache"`
	DefaultPreemptable bool  `yaml:"defaultPreemptable"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig mirrors logging.Config with yaml tags; it is converted with
// ToLoggingConfig before being handed to logging.New.
type LoggingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Level           string `yaml:"level"`
	Dir             string `yaml:"dir"`
	MaxSizeMB       int    `yaml:"maxSizeMB"`
	MaxAgeDays      int    `yaml:"maxAgeDays"`
	MaxBackups      int    `yaml:"maxBackups"`
	EnableConsole   bool   `yaml:"enableConsole"`
	EnableFile      bool   `yaml:"enableFile"`
	CleanupSchedule string `yaml:"cleanupSchedule"`
}

// ToLoggingConfig converts to the logging package's Config type.
func (c LoggingConfig) ToLoggingConfig() *logging.Config {
	return &logging.Config{
		Enabled:         c.Enabled,
		Level:           c.Level,
		Dir:             c.Dir,
		MaxSizeMB:       c.MaxSizeMB,
		MaxAgeDays:      c.MaxAgeDays,
		MaxBackups:      c.MaxBackups,
		EnableConsole:   c.EnableConsole,
		EnableFile:      c.EnableFile,
		CleanupSchedule: c.CleanupSchedule,
	}
}

// MetricsConfig mirrors metrics.Config with yaml tags.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// ToMetricsConfig converts to the metrics package's Config type.
func (c MetricsConfig) ToMetricsConfig() *metrics.Config {
	return &metrics.Config{Enabled: c.Enabled, Port: c.Port}
}

// Default returns the configuration a worker uses when no config file is
// supplied: async writes on, mutable reads off by default, shared cache on,
// a one-second service poll, and logging/metrics disabled.
func Default() *JobStoreConfig {
	return &JobStoreConfig{
		JobStore:                        "file:./jobstore",
		WorkflowAttemptNumber:           1,
		DisableSharedCache:              false,
		ReadGlobalFileMutableByDefault:  false,
		UseAsync:                        true,
		ServicePollingInterval:          time.Second,
		DefaultMemory:                   2 << 30, // 2 GiB
		DefaultCores:                    1,
		DefaultDisk:                     2 << 30,
		DefaultCache:                    0,
		DefaultPreemptable:              false,
		Logging: LoggingConfig{
			Enabled:       false,
			Level:         "INFO",
			EnableConsole: true,
		},
		Metrics: MetricsConfig{Enabled: false},
	}
}

// Load reads and parses a YAML configuration file, filling in defaults for
// any field the file omits.
func Load(path string) (*JobStoreConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.WorkflowAttemptNumber == 0 {
		cfg.WorkflowAttemptNumber = 1
	}

	return cfg, nil
}
