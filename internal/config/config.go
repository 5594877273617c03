// Package config loads and validates the stackmemory engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
)

// Config holds all engine configuration, recognizing every key named in
// spec.md §6 plus the ambient logging/debug settings.
type Config struct {
	ProjectRoot string `yaml:"project_root"`

	DBPath string `yaml:"db_path"`

	EventLog  EventLogConfig  `yaml:"event_log"`
	Cache     CacheConfig     `yaml:"cache"`
	Trace     TraceConfig     `yaml:"trace"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Frame     FrameConfig     `yaml:"frame"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Assembler AssemblerConfig `yaml:"assembler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EventLogConfig configures the sharded append-only event log (C2).
type EventLogConfig struct {
	Shards        int `yaml:"shards"`         // default 16, power of two
	BufferSize    int `yaml:"buffer_size"`    // producer-side back-pressure buffer, default 10000
}

// CacheConfig configures the bundle/warm-read cache (C10).
type CacheConfig struct {
	MaxBytes   int64         `yaml:"max_bytes"`   // default 100 MiB
	DefaultTTL time.Duration `yaml:"default_ttl"` // default 1h
}

// TraceConfig configures the tool-call trace detector (C8).
type TraceConfig struct {
	Gap               time.Duration `yaml:"gap"`                 // default 30s
	MaxLen            int           `yaml:"max_len"`             // default 64
	CompressAgeHours  int           `yaml:"compress_age_hours"`  // default 24
}

// EmbeddingConfig configures the embedding oracle (C5).
type EmbeddingConfig struct {
	Dim            int           `yaml:"dim"`             // default 1536
	Provider       string        `yaml:"provider"`        // local | remote | hybrid
	RemoteEndpoint string        `yaml:"remote_endpoint"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout"`
	Parallelism    int           `yaml:"parallelism"` // bounded-queue semaphore, default 4
}

// FrameConfig configures frame lifecycle behavior (C3).
type FrameConfig struct {
	InactivityWindow time.Duration `yaml:"inactivity_window"` // default 48h
}

// RetrievalConfig configures the retrieval pipeline's tunable weights (C6).
// Open Question: these defaults mirror spec.md §4.5 exactly but are
// operator-overridable, per DESIGN.md's resolution of the calibration
// question.
type RetrievalConfig struct {
	DefaultLimit int `yaml:"default_limit"` // default 50

	FieldWeightName    float64 `yaml:"field_weight_name"`    // default 3.0
	FieldWeightDigest  float64 `yaml:"field_weight_digest"`  // default 2.0
	FieldWeightType    float64 `yaml:"field_weight_type"`    // default 1.5
	FieldWeightBlob    float64 `yaml:"field_weight_blob"`    // default 1.0
	ExactPhraseBonus   float64 `yaml:"exact_phrase_bonus"`   // default 0.5

	SemanticMinSimilarity float64 `yaml:"semantic_min_similarity"` // default 0.2

	HybridTextWeight float64 `yaml:"hybrid_text_weight"` // default 0.5
	HybridVecWeight  float64 `yaml:"hybrid_vec_weight"`  // default 0.5

	RecencyBoostCap     float64       `yaml:"recency_boost_cap"`     // default 0.2
	RecencyHalfLifeHours float64      `yaml:"recency_half_life_hours"` // default 24
	ClosedBoost         float64       `yaml:"closed_boost"`          // default 0.1
	NameMatchBoost      float64       `yaml:"name_match_boost"`      // default 0.3

	FingerprintCacheTTL time.Duration `yaml:"fingerprint_cache_ttl"` // default 60s
}

// AssemblerConfig configures the context assembler's budget slices (C7).
type AssemblerConfig struct {
	DefaultTokenBudget int `yaml:"default_token_budget"` // default 4000

	HotStackPercent    int `yaml:"hot_stack_percent"`    // default 30
	TeamPercent        int `yaml:"team_percent"`         // default 20
	DigestsPercent     int `yaml:"digests_percent"`      // default 30
	PersonalPercent    int `yaml:"personal_percent"`     // default 15
	ReservePercent     int `yaml:"reserve_percent"`      // default 5

	HotStackRecentEvents int `yaml:"hot_stack_recent_events"` // N most recent events per frame
}

// LoggingConfig mirrors logging.SetConfig's parameters.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the spec-default configuration.
func DefaultConfig() *Config {
	return &Config{
		DBPath: "data/stackmemory.db",

		EventLog: EventLogConfig{
			Shards:     16,
			BufferSize: 10000,
		},
		Cache: CacheConfig{
			MaxBytes:   100 * 1024 * 1024,
			DefaultTTL: time.Hour,
		},
		Trace: TraceConfig{
			Gap:              30 * time.Second,
			MaxLen:           64,
			CompressAgeHours: 24,
		},
		Embedding: EmbeddingConfig{
			Dim:           1536,
			Provider:      "local",
			RemoteTimeout: 5 * time.Second,
			Parallelism:   4,
		},
		Frame: FrameConfig{
			InactivityWindow: 48 * time.Hour,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:          50,
			FieldWeightName:       3.0,
			FieldWeightDigest:     2.0,
			FieldWeightType:       1.5,
			FieldWeightBlob:       1.0,
			ExactPhraseBonus:      0.5,
			SemanticMinSimilarity: 0.2,
			HybridTextWeight:      0.5,
			HybridVecWeight:       0.5,
			RecencyBoostCap:       0.2,
			RecencyHalfLifeHours:  24,
			ClosedBoost:           0.1,
			NameMatchBoost:        0.3,
			FingerprintCacheTTL:   60 * time.Second,
		},
		Assembler: AssemblerConfig{
			DefaultTokenBudget:   4000,
			HotStackPercent:      30,
			TeamPercent:          20,
			DigestsPercent:       30,
			PersonalPercent:      15,
			ReservePercent:       5,
			HotStackRecentEvents: 20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist. Environment overrides are applied afterward.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Get(logging.CategoryBoot).Info("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file, creating parent directories.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides applies a small set of environment variable overrides,
// mirroring the teacher's pattern of env-first configuration for deployment
// knobs that shouldn't require editing a committed YAML file.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("STACKMEMORY_DB"); path != "" {
		c.DBPath = path
	}
	if endpoint := os.Getenv("STACKMEMORY_EMBEDDING_ENDPOINT"); endpoint != "" {
		c.Embedding.RemoteEndpoint = endpoint
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "hybrid"
		}
	}
	if os.Getenv("STACKMEMORY_DEBUG") == "1" {
		c.Logging.DebugMode = true
	}
}

// Validate checks structural invariants in the configuration.
func (c *Config) Validate() error {
	if c.EventLog.Shards <= 0 || c.EventLog.Shards&(c.EventLog.Shards-1) != 0 {
		return fmt.Errorf("event_log.shards must be a positive power of two, got %d", c.EventLog.Shards)
	}
	sum := c.Assembler.HotStackPercent + c.Assembler.TeamPercent + c.Assembler.DigestsPercent +
		c.Assembler.PersonalPercent + c.Assembler.ReservePercent
	if sum > 100 {
		return fmt.Errorf("assembler budget percentages sum to %d, must be <= 100", sum)
	}
	switch c.Embedding.Provider {
	case "local", "remote", "hybrid":
	default:
		return fmt.Errorf("invalid embedding provider: %s (use local, remote, or hybrid)", c.Embedding.Provider)
	}
	return nil
}
