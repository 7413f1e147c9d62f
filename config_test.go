package binder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validConfigYAML = `
device_path: "/dev/binder"
worker_pool_size: 8
primary_looper_ceiling: 3
log_level: debug
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTempConfig(t, validConfigYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DevicePath != "/dev/binder" {
		t.Errorf("DevicePath = %q, want %q", cfg.DevicePath, "/dev/binder")
	}
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("WorkerPoolSize = %d, want 8", cfg.WorkerPoolSize)
	}
	if cfg.PrimaryLooperCeiling != 3 {
		t.Errorf("PrimaryLooperCeiling = %d, want 3", cfg.PrimaryLooperCeiling)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `device_path: "/dev/binder"`
	path := writeTempConfig(t, yaml)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerPoolSize != 15 {
		t.Errorf("default WorkerPoolSize = %d, want 15", cfg.WorkerPoolSize)
	}
	if cfg.PrimaryLooperCeiling != 5 {
		t.Errorf("default PrimaryLooperCeiling = %d, want 5", cfg.PrimaryLooperCeiling)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadConfig_MissingDevicePath(t *testing.T) {
	yaml := `worker_pool_size: 4`
	path := writeTempConfig(t, yaml)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing device_path, got nil")
	}
	if !strings.Contains(err.Error(), "device_path") {
		t.Errorf("error %q does not mention device_path", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
device_path: "/dev/binder"
log_level: "verbose"
`
	path := writeTempConfig(t, yaml)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidWorkerPoolSize(t *testing.T) {
	yaml := `
device_path: "/dev/binder"
worker_pool_size: -1
`
	path := writeTempConfig(t, yaml)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid worker_pool_size, got nil")
	}
	if !strings.Contains(err.Error(), "worker_pool_size") {
		t.Errorf("error %q does not mention worker_pool_size", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, ":::invalid yaml:::")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
