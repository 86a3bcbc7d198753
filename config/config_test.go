package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() failed: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("collaboration")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Expected sqlite default backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Collaboration.CleanupDelay == nil || *cfg.Collaboration.CleanupDelay != 60*time.Second {
		t.Errorf("Unexpected cleanup delay: %v", cfg.Collaboration.CleanupDelay)
	}
	if cfg.Collaboration.SaveDelay == nil || *cfg.Collaboration.SaveDelay != time.Second {
		t.Errorf("Unexpected save delay: %v", cfg.Collaboration.SaveDelay)
	}
	if cfg.Collaboration.PollInterval != time.Second {
		t.Errorf("Unexpected poll interval: %v", cfg.Collaboration.PollInterval)
	}
	if !cfg.Collaboration.AutoEvict {
		t.Error("Expected autoEvict default true")
	}
	if cfg.TeardownTimeout != 3*time.Second {
		t.Errorf("Unexpected teardown timeout: %v", cfg.TeardownTimeout)
	}
}

func TestLoad_FileOverridesAndNever(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  address: ":9000"
collaboration:
  cleanupDelaySeconds: -1
  saveDelaySeconds: 0.5
  pollIntervalSeconds: 0
`
	if err := os.WriteFile(filepath.Join(dir, "collaboration.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	chdir(t, dir)

	cfg, err := Load("collaboration")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Errorf("Unexpected listen address: %q", cfg.ListenAddr)
	}
	if cfg.Collaboration.CleanupDelay != nil {
		t.Errorf("Expected nil cleanup delay for negative seconds, got %v", *cfg.Collaboration.CleanupDelay)
	}
	if cfg.Collaboration.SaveDelay == nil || *cfg.Collaboration.SaveDelay != 500*time.Millisecond {
		t.Errorf("Unexpected save delay: %v", cfg.Collaboration.SaveDelay)
	}
	if cfg.Collaboration.PollInterval != 0 {
		t.Errorf("Expected polling disabled, got %v", cfg.Collaboration.PollInterval)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	yaml := `
storage:
  backend: postgres
`
	if err := os.WriteFile(filepath.Join(dir, "collaboration.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	chdir(t, dir)

	if _, err := Load("collaboration"); err == nil {
		t.Error("Expected error for postgres backend without URL")
	}
}
