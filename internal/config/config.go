// Package config loads specmem configuration from defaults, an optional
// project-local .specmem.yaml, and SPECMEM_* environment variables, in that
// order of increasing priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
)

// ConfigFileName is the per-project configuration file.
const ConfigFileName = ".specmem.yaml"

// DataDirName is the project-local data directory holding the database,
// lexical index, logs, and sync status file.
const DataDirName = ".specmem"

// Config is the complete specmem configuration.
type Config struct {
	// ProjectPath is the absolute directory that scopes every query and insert.
	ProjectPath string `yaml:"project_path"`

	Store      StoreConfig      `yaml:"store"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Search     SearchConfig     `yaml:"search"`
	Quadrant   QuadrantConfig   `yaml:"quadrant"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	LogLevel   string           `yaml:"log_level"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// DBPath is the SQLite database file. Defaults to <project>/.specmem/specmem.db.
	DBPath string `yaml:"db_path"`
	// LexicalBackend selects the full-text backend: "fts5" (default) or "bleve".
	LexicalBackend string `yaml:"lexical_backend"`
	// BlevePath is the bleve index directory when LexicalBackend is "bleve".
	BlevePath string `yaml:"bleve_path"`
	// CacheSizeMB is the SQLite page cache size in MB.
	CacheSizeMB int `yaml:"cache_size_mb"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Endpoint is the HTTP embedder endpoint. Empty selects the static
	// deterministic embedder (offline mode).
	Endpoint string `yaml:"endpoint"`
	// Model is the model name sent to the HTTP embedder.
	Model string `yaml:"model"`
	// Dimensions is the provider's native dimension (0 = ask the provider).
	Dimensions int `yaml:"dimensions"`
	// BatchSize is the maximum texts per provider call.
	BatchSize int `yaml:"batch_size"`
	// CacheSize is the LRU embedding cache capacity.
	CacheSize int `yaml:"cache_size"`
	// Timeout is the per-call provider timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// SearchConfig configures hybrid search.
type SearchConfig struct {
	// VectorWeight is alpha in score = alpha*sim + (1-alpha)*rank.
	VectorWeight float64 `yaml:"vector_weight"`
	// DefaultLimit is the result cap when the caller passes none.
	DefaultLimit int `yaml:"default_limit"`
	// DefaultThreshold is the minimum similarity for vector matches.
	DefaultThreshold float64 `yaml:"default_threshold"`
	// AccessUpdateTopK is how many top hits get access-count bumps.
	AccessUpdateTopK int `yaml:"access_update_top_k"`
}

// QuadrantConfig configures the semantic partition tree.
type QuadrantConfig struct {
	MaxMemories int     `yaml:"max_memories"`
	MinMemories int     `yaml:"min_memories"`
	MaxRadius   float64 `yaml:"max_radius"`
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// DebounceMs collapses rapid per-path events within this window.
	DebounceMs int `yaml:"debounce_ms"`
	// IgnorePatterns are additional glob patterns beyond the ignore file.
	IgnorePatterns []string `yaml:"ignore_patterns"`
	// AdditionalPaths are extra roots to watch beyond the project path.
	AdditionalPaths []string `yaml:"additional_paths"`
	// MaxRestarts bounds watcher auto-restart after crashes.
	MaxRestarts int `yaml:"max_restarts"`
	// MaxFileSizeBytes caps tracked file content (default 500 KiB).
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`
}

// QueueConfig configures the change queue.
type QueueConfig struct {
	ProcessingIntervalMs int `yaml:"processing_interval_ms"`
	BatchSize            int `yaml:"batch_size"`
	Concurrency          int `yaml:"concurrency"`
	MaxRetries           int `yaml:"max_retries"`
	RetryDelayMs         int `yaml:"retry_delay_ms"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier"`
	MaxQueueSize         int `yaml:"max_queue_size"`
}

// SyncConfig configures drift detection and resync.
type SyncConfig struct {
	CheckIntervalMs  int      `yaml:"check_interval_ms"`
	ResyncTimeoutMs  int      `yaml:"resync_timeout_ms"`
	ScanBatchSize    int      `yaml:"scan_batch_size"`
	ScanMaxFiles     int      `yaml:"scan_max_files"`
	ScanMaxHeapMB    int      `yaml:"scan_max_heap_mb"`
	ScanIgnore       []string `yaml:"scan_ignore_patterns"`
	MemoryLimit      int      `yaml:"memory_limit"`
	MemoryPageSize   int      `yaml:"memory_page_size"`
	Parallelism      int      `yaml:"parallelism"`
	FileTimeoutMs    int      `yaml:"file_timeout_ms"`
	MaxFileSizeBytes int64    `yaml:"max_file_size_bytes"`
}

// RetrievalConfig configures adaptive context assembly.
type RetrievalConfig struct {
	MaxTokens           int     `yaml:"max_tokens"`
	MinRelevance        float64 `yaml:"min_relevance"`
	MaxAssociationDepth int     `yaml:"max_association_depth"`
}

// Default returns the baseline configuration for a project path.
func Default(projectPath string) *Config {
	dataDir := filepath.Join(projectPath, DataDirName)
	return &Config{
		ProjectPath: projectPath,
		Store: StoreConfig{
			DBPath:         filepath.Join(dataDir, "specmem.db"),
			LexicalBackend: "fts5",
			BlevePath:      filepath.Join(dataDir, "lexical.bleve"),
			CacheSizeMB:    64,
		},
		Embeddings: EmbeddingsConfig{
			Model:     "nomic-embed-text",
			BatchSize: 32,
			CacheSize: 1000,
			Timeout:   30 * time.Second,
		},
		Search: SearchConfig{
			VectorWeight:     0.6,
			DefaultLimit:     10,
			DefaultThreshold: 0.3,
			AccessUpdateTopK: 5,
		},
		Quadrant: QuadrantConfig{
			MaxMemories: 1000,
			MinMemories: 50,
			MaxRadius:   0.6,
		},
		Watcher: WatcherConfig{
			DebounceMs:       500,
			MaxRestarts:      5,
			MaxFileSizeBytes: 500 * 1024,
		},
		Queue: QueueConfig{
			ProcessingIntervalMs: 500,
			BatchSize:            100,
			Concurrency:          8,
			MaxRetries:           3,
			RetryDelayMs:         1000,
			BackoffMultiplier:    2.0,
			MaxQueueSize:         10000,
		},
		Sync: SyncConfig{
			CheckIntervalMs:  3_600_000,
			ResyncTimeoutMs:  600_000,
			ScanBatchSize:    2000,
			ScanMaxFiles:     50_000,
			ScanMaxHeapMB:    2048,
			MemoryLimit:      50_000,
			MemoryPageSize:   5000,
			Parallelism:      25,
			FileTimeoutMs:    120_000,
			MaxFileSizeBytes: 1024 * 1024,
		},
		Retrieval: RetrievalConfig{
			MaxTokens:           4000,
			MinRelevance:        0.5,
			MaxAssociationDepth: 2,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration for a project:
// defaults, then .specmem.yaml if present, then SPECMEM_* env vars.
func Load(projectPath string) (*Config, error) {
	if projectPath == "" {
		projectPath = os.Getenv("SPECMEM_PROJECT_PATH")
	}
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, specerrors.Wrap(specerrors.KindConfig, "resolve working directory", err)
		}
		projectPath = wd
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindConfig, "resolve project path", err)
	}

	cfg := Default(abs)

	if err := cfg.loadFile(filepath.Join(abs, ConfigFileName)); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a yaml config file into cfg. Missing file is not an error.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return specerrors.Wrap(specerrors.KindConfig, "read config file", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return specerrors.Wrap(specerrors.KindConfig, fmt.Sprintf("parse %s", ConfigFileName), err)
	}
	return nil
}

// applyEnv overlays SPECMEM_* environment variables.
func (c *Config) applyEnv() {
	envStr(&c.Store.DBPath, "SPECMEM_DB_PATH")
	envStr(&c.Store.LexicalBackend, "SPECMEM_LEXICAL_BACKEND")
	envStr(&c.Embeddings.Endpoint, "SPECMEM_EMBED_ENDPOINT")
	envStr(&c.Embeddings.Model, "SPECMEM_EMBED_MODEL")
	envStr(&c.LogLevel, "SPECMEM_LOG_LEVEL")

	envInt(&c.Watcher.DebounceMs, "SPECMEM_WATCH_DEBOUNCE_MS")
	envInt(&c.Queue.ProcessingIntervalMs, "SPECMEM_QUEUE_INTERVAL_MS")
	envInt(&c.Queue.BatchSize, "SPECMEM_QUEUE_BATCH_SIZE")
	envInt(&c.Queue.MaxRetries, "SPECMEM_QUEUE_MAX_RETRIES")
	envInt(&c.Queue.RetryDelayMs, "SPECMEM_QUEUE_RETRY_DELAY_MS")
	envInt(&c.Queue.MaxQueueSize, "SPECMEM_QUEUE_MAX_SIZE")

	envInt(&c.Sync.CheckIntervalMs, "SPECMEM_SYNC_CHECK_INTERVAL_MS")
	envInt(&c.Sync.ResyncTimeoutMs, "SPECMEM_RESYNC_TIMEOUT_MS")
	envInt(&c.Sync.ScanBatchSize, "SPECMEM_SCAN_BATCH_SIZE")
	envInt(&c.Sync.ScanMaxFiles, "SPECMEM_SCAN_MAX_FILES")
	envInt(&c.Sync.ScanMaxHeapMB, "SPECMEM_SCAN_MAX_HEAP_MB")
	envInt(&c.Sync.MemoryLimit, "SPECMEM_SYNC_MEMORY_LIMIT")
	envInt(&c.Sync.MemoryPageSize, "SPECMEM_SYNC_MEMORY_PAGE_SIZE")

	if v := os.Getenv("SPECMEM_SCAN_IGNORE_PATTERNS"); v != "" {
		parts := strings.Split(v, ",")
		patterns := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		c.Sync.ScanIgnore = patterns
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.ProjectPath) {
		return specerrors.Newf(specerrors.KindConfig, "project path must be absolute: %s", c.ProjectPath)
	}
	switch c.Store.LexicalBackend {
	case "fts5", "bleve":
	default:
		return specerrors.Newf(specerrors.KindConfig, "unknown lexical backend %q (use fts5 or bleve)", c.Store.LexicalBackend)
	}
	if c.Search.VectorWeight < 0 || c.Search.VectorWeight > 1 {
		return specerrors.Newf(specerrors.KindConfig, "vector weight must be in [0,1], got %v", c.Search.VectorWeight)
	}
	if c.Quadrant.MinMemories <= 0 || c.Quadrant.MaxMemories <= c.Quadrant.MinMemories {
		return specerrors.New(specerrors.KindConfig, "quadrant caps require 0 < min_memories < max_memories")
	}
	if c.Queue.BatchSize <= 0 || c.Queue.MaxQueueSize <= 0 {
		return specerrors.New(specerrors.KindConfig, "queue batch size and max size must be positive")
	}
	return nil
}

// DataDir returns the project-local data directory.
func (c *Config) DataDir() string {
	return filepath.Join(c.ProjectPath, DataDirName)
}

// StatusFilePath is where sync snapshots are written.
func (c *Config) StatusFilePath() string {
	return filepath.Join(c.DataDir(), "sync-status.json")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
