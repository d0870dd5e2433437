package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "silk-collector.yaml")
	if err := os.WriteFile(path, []byte(`
netflow:
  listen: "0.0.0.0:2055"
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.NetFlow.Listen != "0.0.0.0:2055" {
		t.Fatalf("Listen = %q, want 0.0.0.0:2055", cfg.NetFlow.Listen)
	}
	if cfg.Performance.BatchSize != 5000 {
		t.Fatalf("BatchSize default = %d, want 5000", cfg.Performance.BatchSize)
	}
	if cfg.Performance.FlushInterval != 5 {
		t.Fatalf("FlushInterval default = %d, want 5", cfg.Performance.FlushInterval)
	}
	if cfg.Database.PoolSize != 20 {
		t.Fatalf("Database.PoolSize default = %d, want 20", cfg.Database.PoolSize)
	}
	if cfg.Monitoring.StatsInterval != 30 {
		t.Fatalf("Monitoring.StatsInterval default = %d, want 30", cfg.Monitoring.StatsInterval)
	}
}

func TestLoadConfigPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "silk-collector.yaml")
	if err := os.WriteFile(path, []byte(`
performance:
  batch_size: 100
  flush_interval: 1
monitoring:
  enabled: true
  stats_interval: 60
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Performance.BatchSize != 100 || cfg.Performance.FlushInterval != 1 {
		t.Fatalf("explicit performance values not preserved: %+v", cfg.Performance)
	}
	if !cfg.Monitoring.Enabled || cfg.Monitoring.StatsInterval != 60 {
		t.Fatalf("explicit monitoring values not preserved: %+v", cfg.Monitoring)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
