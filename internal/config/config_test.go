package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Daemon.Port != 3850 {
		t.Errorf("Port = %d, want 3850", cfg.Daemon.Port)
	}
	if !cfg.Pipeline.Enabled || cfg.Pipeline.MutationsFrozen {
		t.Errorf("pipeline defaults wrong: %+v", cfg.Pipeline)
	}
	if cfg.Search.MinScore != 0.3 {
		t.Errorf("MinScore = %v, want 0.3", cfg.Search.MinScore)
	}
}

func TestLoadOverlaysPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
daemon:
  port: 4950
search:
  min_score: 0.5
workers:
  lease_timeout: 2m
pipeline:
  shadow_mode: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Daemon.Port != 4950 {
		t.Errorf("Port = %d, want 4950", cfg.Daemon.Port)
	}
	if cfg.Search.MinScore != 0.5 {
		t.Errorf("MinScore = %v, want 0.5", cfg.Search.MinScore)
	}
	if cfg.Workers.LeaseTimeout.Std() != 2*time.Minute {
		t.Errorf("LeaseTimeout = %v, want 2m", cfg.Workers.LeaseTimeout)
	}
	if !cfg.Pipeline.ShadowMode {
		t.Error("ShadowMode not applied")
	}
	// Untouched settings keep their defaults.
	if cfg.Workers.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want default 8", cfg.Workers.BatchSize)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("Embedding.Provider = %q, want ollama", cfg.Embedding.Provider)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad port":        "daemon:\n  port: 0\n",
		"bad top_k":       "search:\n  top_k: -1\n",
		"bad retries":     "workers:\n  max_retries: 0\n",
		"bad batch limit": "retention:\n  batch_limit: 0\n",
		"bad duration":    "workers:\n  lease_timeout: soon\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load accepted invalid config")
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Daemon.AgentsDir = "/data/agents"

	if got := cfg.DatabasePath(); got != "/data/agents/memory/memories.db" {
		t.Errorf("DatabasePath = %q", got)
	}
	cfg.Memory.DatabasePath = "/elsewhere/m.db"
	if got := cfg.DatabasePath(); got != "/elsewhere/m.db" {
		t.Errorf("DatabasePath override = %q", got)
	}
	if got := cfg.SigningKeyPath(); got != "/data/agents/.secrets/signing.key" {
		t.Errorf("SigningKeyPath = %q", got)
	}
	if got := cfg.LogPath(); got != "/data/agents/.daemon/logs/signet.log" {
		t.Errorf("LogPath = %q", got)
	}
}
