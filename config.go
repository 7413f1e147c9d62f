package binder

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loaded configuration consumed by the CLI demo. The
// library itself is not configured this way: NewIpc takes an Options
// struct of functional options instead, matching the teacher's own
// Options{Context, Logger, Observer} pattern in backend.go.
type Config struct {
	// DevicePath is the binder device node to open (e.g. "/dev/binder",
	// "/dev/hwbinder", "/dev/vndbinder"). Required.
	DevicePath string `yaml:"device_path"`

	// WorkerPoolSize bounds the number of goroutines available for
	// asynchronous outbound transactions. Defaults to 15 when omitted.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// PrimaryLooperCeiling bounds the number of primary (always-blocked-
	// in-read) loopers the Ipc maintains, mirroring BINDER_SET_MAX_THREADS.
	// Defaults to 5 when omitted.
	PrimaryLooperCeiling int `yaml:"primary_looper_ceiling"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 15
	}
	if cfg.PrimaryLooperCeiling == 0 {
		cfg.PrimaryLooperCeiling = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DevicePath == "" {
		errs = append(errs, errors.New("device_path is required"))
	}
	if cfg.WorkerPoolSize < 1 {
		errs = append(errs, fmt.Errorf("worker_pool_size must be >= 1, got %d", cfg.WorkerPoolSize))
	}
	if cfg.PrimaryLooperCeiling < 1 {
		errs = append(errs, fmt.Errorf("primary_looper_ceiling must be >= 1, got %d", cfg.PrimaryLooperCeiling))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
