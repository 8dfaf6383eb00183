// Package config holds the daemon configuration: storage paths, embedding
// and generator providers, recall tuning, worker intervals, retention
// windows, and the pipeline safety flags consulted by every write path.
//
// The config is loaded once at startup from <agents_dir>/config.yaml and
// hot-reloaded on file change; readers always see a complete snapshot
// (the active *Config is swapped atomically, never mutated in place).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Signet daemon configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Daemon settings
	Daemon DaemonConfig `yaml:"daemon"`

	// Memory storage
	Memory MemoryConfig `yaml:"memory"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Generator (LLM) used by extract/decide/summary workers
	Generator GeneratorConfig `yaml:"generator"`

	// Recall tuning
	Search SearchConfig `yaml:"search"`

	// Pipeline safety flags
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Worker loops
	Workers WorkerConfig `yaml:"workers"`

	// Retention windows
	Retention RetentionConfig `yaml:"retention"`

	// Signing
	Signing SigningConfig `yaml:"signing"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DaemonConfig configures the HTTP listener and data directory.
type DaemonConfig struct {
	// Loopback port the HTTP API binds to.
	Port int `yaml:"port"`

	// AgentsDir is the root data directory (~/.agents by default).
	AgentsDir string `yaml:"agents_dir"`
}

// MemoryConfig configures the SQLite store.
type MemoryConfig struct {
	// DatabasePath overrides <agents_dir>/memory/memories.db when set.
	DatabasePath string `yaml:"database_path"`

	// BusyTimeout for the SQLite connection.
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local) and GenAI (cloud) backends.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai". Empty disables embedding and recall
	// degrades to keyword-only.
	Provider string `yaml:"provider"`

	// Ollama configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	// GenAI configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI embeddings: SEMANTIC_SIMILARITY,
	// RETRIEVAL_DOCUMENT, RETRIEVAL_QUERY, ...
	TaskType string `yaml:"task_type"`
}

// GeneratorConfig configures the LLM used by the asynchronous workers.
type GeneratorConfig struct {
	// Provider: "ollama" or "genai". Empty disables extraction workers.
	Provider string `yaml:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"` // Default: "llama3.1"

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-2.0-flash"
}

// SearchConfig tunes the hybrid recall engine.
type SearchConfig struct {
	// Fusion weights: final = wk*keyword + wv*vector + wg*graph.
	KeywordWeight float64 `yaml:"keyword_weight"` // default 0.4
	VectorWeight  float64 `yaml:"vector_weight"`  // default 0.5
	GraphWeight   float64 `yaml:"graph_weight"`   // default 0.1

	// Additive bonus for pinned memories.
	PinnedBoost float64 `yaml:"pinned_boost"` // default 0.15

	// Time-decay half-life; the fused score is multiplied by
	// exp(-age/halfLife).
	DecayHalfLife Duration `yaml:"decay_half_life"` // default 720h

	// Per-candidate graph boost fraction for shared entities.
	GraphBoostWeight float64 `yaml:"graph_boost_weight"` // default 0

	// Candidate pool size per leg before fusion.
	TopK int `yaml:"top_k"` // default 20

	// Score floor applied after fusion.
	MinScore float64 `yaml:"min_score"` // default 0.3

	// Reranker settings.
	RerankerEnabled bool     `yaml:"reranker_enabled"`
	RerankerTopN    int      `yaml:"reranker_top_n"`   // default 20
	RerankerTimeout Duration `yaml:"reranker_timeout"` // default 3s
}

// PipelineConfig is the set of master switches consulted by every write
// path. Flags default to the permissive setting; the zero value of this
// struct is NOT usable, call DefaultConfig.
type PipelineConfig struct {
	// Enabled is the master off-switch; when false every mutating
	// endpoint returns 503.
	Enabled bool `yaml:"enabled"`

	// ShadowMode runs extract/decide but skips all derived writes.
	ShadowMode bool `yaml:"shadow_mode"`

	// MutationsFrozen rejects any write regardless of ShadowMode.
	MutationsFrozen bool `yaml:"mutations_frozen"`

	// AllowUpdateDelete gates modify/forget; when false they return
	// forbidden.
	AllowUpdateDelete bool `yaml:"allow_update_delete"`

	// GraphEnabled gates entity/relation writes.
	GraphEnabled bool `yaml:"graph_enabled"`

	// Autonomous worker-initiated writes.
	AutonomousEnabled bool `yaml:"autonomous_enabled"`
	AutonomousFrozen  bool `yaml:"autonomous_frozen"`

	// SemanticContradictionEnabled turns on the decide worker's
	// LLM-based contradiction pass.
	SemanticContradictionEnabled bool `yaml:"semantic_contradiction_enabled"`

	// Extraction controls.
	ExtractionTimeout         Duration `yaml:"extraction_timeout"`            // default 30s
	MinFactConfidenceForWrite float64  `yaml:"min_fact_confidence_for_write"` // default 0.6
}

// WorkerConfig configures the job-queue worker loops.
type WorkerConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`        // default 1s
	BatchSize           int      `yaml:"batch_size"`           // default 8
	MaxRetries          int      `yaml:"max_retries"`          // default 3
	LeaseTimeout        Duration `yaml:"lease_timeout"`        // default 60s
	MaintenanceInterval Duration `yaml:"maintenance_interval"` // default 6h
	EmbedTimeout        Duration `yaml:"embed_timeout"`        // default 10s
	SummaryTimeout      Duration `yaml:"summary_timeout"`      // default 60s
	RecallTimeout       Duration `yaml:"recall_timeout"`       // default 5s
}

// RetentionConfig configures the periodic retention sweep.
type RetentionConfig struct {
	SweepInterval      Duration `yaml:"sweep_interval"`       // default 4h
	TombstoneWindow    Duration `yaml:"tombstone_window"`     // default 720h (30d)
	HistoryWindow      Duration `yaml:"history_window"`       // default 2160h (90d)
	CompletedJobWindow Duration `yaml:"completed_job_window"` // default 168h (7d)
	DeadJobWindow      Duration `yaml:"dead_job_window"`      // default 720h (30d)
	BatchLimit         int      `yaml:"batch_limit"`          // default 500
}

// SigningConfig configures the identity signing layer.
type SigningConfig struct {
	// AutoSign attaches a signature to every remembered memory when a
	// keypair is present.
	AutoSign bool `yaml:"auto_sign"`

	// KeyPath overrides <agents_dir>/.secrets/signing.key when set.
	KeyPath string `yaml:"key_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`   // overrides <agents_dir>/.daemon/logs/signet.log
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Name:    "signet",
		Version: "1.0.0",

		Daemon: DaemonConfig{
			Port:      3850,
			AgentsDir: filepath.Join(home, ".agents"),
		},

		Memory: MemoryConfig{
			BusyTimeout: Duration(5 * time.Second),
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Generator: GeneratorConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "llama3.1",
			GenAIModel:     "gemini-2.0-flash",
		},

		Search: SearchConfig{
			KeywordWeight:   0.4,
			VectorWeight:    0.5,
			GraphWeight:     0.1,
			PinnedBoost:     0.15,
			DecayHalfLife:   Duration(720 * time.Hour),
			TopK:            20,
			MinScore:        0.3,
			RerankerTopN:    20,
			RerankerTimeout: Duration(3 * time.Second),
		},

		Pipeline: PipelineConfig{
			Enabled:                   true,
			AllowUpdateDelete:         true,
			GraphEnabled:              true,
			AutonomousEnabled:         true,
			ExtractionTimeout:         Duration(30 * time.Second),
			MinFactConfidenceForWrite: 0.6,
		},

		Workers: WorkerConfig{
			PollInterval:        Duration(time.Second),
			BatchSize:           8,
			MaxRetries:          3,
			LeaseTimeout:        Duration(60 * time.Second),
			MaintenanceInterval: Duration(6 * time.Hour),
			EmbedTimeout:        Duration(10 * time.Second),
			SummaryTimeout:      Duration(60 * time.Second),
			RecallTimeout:       Duration(5 * time.Second),
		},

		Retention: RetentionConfig{
			SweepInterval:      Duration(4 * time.Hour),
			TombstoneWindow:    Duration(30 * 24 * time.Hour),
			HistoryWindow:      Duration(90 * 24 * time.Hour),
			CompletedJobWindow: Duration(7 * 24 * time.Hour),
			DeadJobWindow:      Duration(30 * 24 * time.Hour),
			BatchLimit:         500,
		},

		Signing: SigningConfig{
			AutoSign: true,
		},

		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads configuration from a YAML file, layering it over defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges that would otherwise fail far from here.
func (c *Config) Validate() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("invalid daemon port: %d", c.Daemon.Port)
	}
	if c.Search.TopK <= 0 {
		return fmt.Errorf("search top_k must be positive, got %d", c.Search.TopK)
	}
	if c.Workers.MaxRetries < 1 {
		return fmt.Errorf("workers max_retries must be at least 1, got %d", c.Workers.MaxRetries)
	}
	if c.Retention.BatchLimit <= 0 {
		return fmt.Errorf("retention batch_limit must be positive, got %d", c.Retention.BatchLimit)
	}
	return nil
}

// DatabasePath resolves the SQLite file location.
func (c *Config) DatabasePath() string {
	if c.Memory.DatabasePath != "" {
		return c.Memory.DatabasePath
	}
	return filepath.Join(c.Daemon.AgentsDir, "memory", "memories.db")
}

// LogPath resolves the rotated JSON log location.
func (c *Config) LogPath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.Daemon.AgentsDir, ".daemon", "logs", "signet.log")
}

// SigningKeyPath resolves the Ed25519 seed file location.
func (c *Config) SigningKeyPath() string {
	if c.Signing.KeyPath != "" {
		return c.Signing.KeyPath
	}
	return filepath.Join(c.Daemon.AgentsDir, ".secrets", "signing.key")
}
