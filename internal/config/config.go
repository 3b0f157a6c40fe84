// Package config provides configuration management for Forkdex.
// Settings live in config.json under the storage directory, are rewritten
// atomically (temp + rename), and every key has a sensible default. The
// STORAGE_DIR and PRODUCER_DIR environment variables override the storage and
// transcript directories.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrConfigInvalid is returned when a loaded configuration fails validation.
// It is fatal at startup.
var ErrConfigInvalid = errors.New("config: invalid configuration")

// Config holds all configuration settings for Forkdex.
type Config struct {
	Embedding EmbeddingConfig `json:"embedding"`
	Search    SearchConfig    `json:"search"`
	Chunking  ChunkingConfig  `json:"chunking"`
	Indexing  IndexingConfig  `json:"indexing"`
	Setup     SetupConfig     `json:"setup"`
	Memory    MemoryConfig    `json:"memory"`
	Cache     CacheConfig     `json:"cache"`

	// StorageDir is the base directory for all persistent state.
	StorageDir string `json:"storage_dir"`

	// ProducerDir is the transcript root owned by the external producer.
	ProducerDir string `json:"producer_dir"`
}

// EmbeddingConfig configures the embedding gateway and model client.
type EmbeddingConfig struct {
	ModelName    string `json:"model_name"`     // embedding model identifier (default: nomic-embed-text)
	ModelURL     string `json:"model_url"`      // loopback model endpoint (default: http://127.0.0.1:11434)
	Dimension    int    `json:"dimension"`      // vector dimension d (default: 768)
	BatchSize    int    `json:"batch_size"`     // initial batch size (default: 32)
	MaxBatchSize int    `json:"max_batch_size"` // adaptive batch upper clamp (default: 128)
	MinBatchSize int    `json:"min_batch_size"` // adaptive batch lower clamp (default: 4)
}

// SearchConfig configures the search orchestrator and ranker.
type SearchConfig struct {
	KChunks             int     `json:"k_chunks"`             // k-NN fan-out (default: 200)
	TopNSessions        int     `json:"top_n_sessions"`       // ranked results returned (default: 5)
	PreviewLength       int     `json:"preview_length"`       // preview characters (default: 200)
	SimilarityThreshold float64 `json:"similarity_threshold"` // minimum best similarity (default: 0.3)
	RecencyWeight       float64 `json:"recency_weight"`       // recency factor weight (default: 0.25)
}

// ChunkingConfig configures the chunker.
type ChunkingConfig struct {
	TargetTokens  int `json:"target_tokens"`  // preferred chunk size (default: 750)
	OverlapTokens int `json:"overlap_tokens"` // carry-back between chunks (default: 150)
	MaxTokens     int `json:"max_tokens"`     // hard cap per chunk (default: 1000)
}

// IndexingConfig configures the background indexer.
type IndexingConfig struct {
	DebounceDelay      Duration `json:"debounce_delay"`      // quiet window before re-index (default: 5s)
	CheckpointInterval int      `json:"checkpoint_interval"` // messages between checkpoints (default: 15)
	Workers            int      `json:"workers"`             // worker pool size (default: 1)
	Enabled            bool     `json:"enabled"`             // default: true
}

// SetupConfig configures the bulk initial-setup orchestrator.
type SetupConfig struct {
	TimeoutPerSession Duration `json:"timeout_per_session"` // cooperative deadline (default: 30s)
	BatchSize         int      `json:"batch_size"`          // sessions per batch-mode child (default: 5)
	Workers           int      `json:"workers"`             // parallel workers (default: 1)
	UseCPU            bool     `json:"use_cpu"`             // force CPU embedding (default: false)
}

// MemoryConfig bounds the process memory used by embedding batches.
type MemoryConfig struct {
	MaxMemoryMB      int  `json:"max_memory_mb"`      // default: 2000
	GCBetweenBatches bool `json:"gc_between_batches"` // default: true
}

// CacheConfig configures the query and result caches.
type CacheConfig struct {
	QueryCacheSize  int `json:"query_cache_size"`  // embedding cache entries (default: 100)
	ResultCacheSize int `json:"result_cache_size"` // result cache entries (default: 50)
	TTLSeconds      int `json:"ttl_seconds"`       // entry lifetime (default: 300)
}

// Duration is a time.Duration that marshals as a duration string ("5s") and
// also accepts bare seconds for hand-edited config files.
type Duration time.Duration

// MarshalJSON renders the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "5s"-style strings and plain numbers of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config with every key set to its default value.
// The storage dir defaults to ~/.forkdex and the producer dir to
// ~/.claude/projects; STORAGE_DIR and PRODUCER_DIR override both.
func Default() *Config {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		Embedding: EmbeddingConfig{
			ModelName:    "nomic-embed-text",
			ModelURL:     "http://127.0.0.1:11434",
			Dimension:    768,
			BatchSize:    32,
			MaxBatchSize: 128,
			MinBatchSize: 4,
		},
		Search: SearchConfig{
			KChunks:             200,
			TopNSessions:        5,
			PreviewLength:       200,
			SimilarityThreshold: 0.3,
			RecencyWeight:       0.25,
		},
		Chunking: ChunkingConfig{
			TargetTokens:  750,
			OverlapTokens: 150,
			MaxTokens:     1000,
		},
		Indexing: IndexingConfig{
			DebounceDelay:      Duration(5 * time.Second),
			CheckpointInterval: 15,
			Workers:            1,
			Enabled:            true,
		},
		Setup: SetupConfig{
			TimeoutPerSession: Duration(30 * time.Second),
			BatchSize:         5,
			Workers:           1,
		},
		Memory: MemoryConfig{
			MaxMemoryMB:      2000,
			GCBetweenBatches: true,
		},
		Cache: CacheConfig{
			QueryCacheSize:  100,
			ResultCacheSize: 50,
			TTLSeconds:      300,
		},
		StorageDir:  filepath.Join(home, ".forkdex"),
		ProducerDir: filepath.Join(home, ".claude", "projects"),
	}
	if dir := os.Getenv("STORAGE_DIR"); dir != "" {
		cfg.StorageDir = dir
	}
	if dir := os.Getenv("PRODUCER_DIR"); dir != "" {
		cfg.ProducerDir = dir
	}
	return cfg
}

// Load reads config.json from the given storage directory, filling missing
// keys with defaults. A missing file yields the defaults. Invalid values are
// rejected with ErrConfigInvalid. A non-empty STORAGE_DIR takes precedence
// over the storageDir argument.
func Load(storageDir string) (*Config, error) {
	cfg := Default()
	if storageDir != "" && os.Getenv("STORAGE_DIR") == "" {
		cfg.StorageDir = storageDir
	}

	path := filepath.Join(cfg.StorageDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}

	// Env overrides beat the file for the two directory settings.
	if dir := os.Getenv("STORAGE_DIR"); dir != "" {
		cfg.StorageDir = dir
	}
	if dir := os.Getenv("PRODUCER_DIR"); dir != "" {
		cfg.ProducerDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save atomically rewrites config.json under the storage directory.
func (c *Config) Save() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.StorageDir, 0o700); err != nil {
		return fmt.Errorf("config: create storage dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	path := filepath.Join(c.StorageDir, "config.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Validate rejects out-of-range values with ErrConfigInvalid.
func (c *Config) Validate() error {
	fail := func(field, reason string) error {
		return fmt.Errorf("%w: %s %s", ErrConfigInvalid, field, reason)
	}

	if c.Embedding.Dimension <= 0 {
		return fail("embedding.dimension", "must be positive")
	}
	if c.Embedding.MinBatchSize <= 0 || c.Embedding.MaxBatchSize < c.Embedding.MinBatchSize {
		return fail("embedding.batch bounds", "require 0 < min <= max")
	}
	if c.Search.KChunks <= 0 {
		return fail("search.k_chunks", "must be positive")
	}
	if c.Search.TopNSessions <= 0 {
		return fail("search.top_n_sessions", "must be positive")
	}
	if c.Search.SimilarityThreshold < 0 || c.Search.SimilarityThreshold > 1 {
		return fail("search.similarity_threshold", "must be in [0, 1]")
	}
	if c.Chunking.MaxTokens < c.Chunking.TargetTokens {
		return fail("chunking.max_tokens", "must be >= target_tokens")
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.TargetTokens {
		return fail("chunking.overlap_tokens", "must be in [0, target_tokens)")
	}
	if c.Indexing.DebounceDelay.Std() < 0 {
		return fail("indexing.debounce_delay", "must be non-negative")
	}
	if c.Indexing.Workers < 1 {
		return fail("indexing.workers", "must be at least 1")
	}
	if c.Setup.TimeoutPerSession.Std() <= 0 {
		return fail("setup.timeout_per_session", "must be positive")
	}
	if c.Setup.BatchSize < 1 {
		return fail("setup.batch_size", "must be at least 1")
	}
	if c.Setup.Workers < 1 {
		return fail("setup.workers", "must be at least 1")
	}
	if c.Cache.QueryCacheSize < 1 || c.Cache.ResultCacheSize < 1 {
		return fail("cache sizes", "must be at least 1")
	}
	if c.Cache.TTLSeconds < 1 {
		return fail("cache.ttl_seconds", "must be at least 1")
	}
	if c.StorageDir == "" {
		return fail("storage_dir", "must not be empty")
	}
	return nil
}

// VectorDBPath returns the directory owned by the vector store.
func (c *Config) VectorDBPath() string { return filepath.Join(c.StorageDir, "vector_db") }

// RegistryPath returns the session registry document path.
func (c *Config) RegistryPath() string { return filepath.Join(c.StorageDir, "session-registry.json") }

// ForkHistoryPath returns the fork history document path.
func (c *Config) ForkHistoryPath() string { return filepath.Join(c.StorageDir, "fork_history.json") }

// EmbeddingCachePath returns the content-addressed embedding cache path.
func (c *Config) EmbeddingCachePath() string {
	return filepath.Join(c.StorageDir, "embedding_cache", "cache.json")
}

// SetupStatePath returns the bulk-setup checkpoint path.
func (c *Config) SetupStatePath() string { return filepath.Join(c.StorageDir, "setup_state.json") }

// ClustersPath returns the cluster assignment snapshot path.
func (c *Config) ClustersPath() string { return filepath.Join(c.StorageDir, "clusters.json") }

// ForkTemplatesPath returns the fork command template file path.
func (c *Config) ForkTemplatesPath() string {
	return filepath.Join(c.StorageDir, "fork_templates.yaml")
}
