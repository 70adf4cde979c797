package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "openstarry.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: main
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: main
---
agent:
  id: other
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error for multi-document config")
	}
	if !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("expected single-document error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: main
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Safety.MaxLoopTicks != 50 {
		t.Fatalf("expected default max_loop_ticks 50, got %d", cfg.Safety.MaxLoopTicks)
	}
	if cfg.Safety.ErrorRateThreshold != 0.8 {
		t.Fatalf("expected default error_rate_threshold 0.8, got %v", cfg.Safety.ErrorRateThreshold)
	}
	if cfg.Persistence.MaxHistorySize != 1000 {
		t.Fatalf("expected default max_history_size 1000, got %d", cfg.Persistence.MaxHistorySize)
	}
	if cfg.Persistence.StatePath == "" {
		t.Fatalf("expected a non-empty default state path")
	}
	if cfg.Daemon.StatePath != cfg.Persistence.StatePath {
		t.Fatalf("expected daemon state path to inherit persistence state path by default")
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected default logging format json, got %q", cfg.Logging.Format)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("OPENSTARRY_TEST_STATE_PATH", "/tmp/openstarry-test-state")
	path := writeConfig(t, `
agent:
  id: main
persistence:
  state_path: ${OPENSTARRY_TEST_STATE_PATH}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Persistence.StatePath != "/tmp/openstarry-test-state" {
		t.Fatalf("expected expanded state path, got %q", cfg.Persistence.StatePath)
	}
}

func TestLoadValidatesErrorRateThreshold(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: main
safety:
  error_rate_threshold: 1.5
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "error_rate_threshold") {
		t.Fatalf("expected error_rate_threshold error, got %v", err)
	}
}

func TestLoadValidatesLoggingFormat(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: main
logging:
  format: xml
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("expected logging.format error, got %v", err)
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: main
  name: OpenStarry
sandbox:
  worker_binary: openstarry-plugin-runner
daemon:
  socket_path: /tmp/openstarry/main.sock
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
}
