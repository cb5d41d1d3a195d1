// Package config provides configuration loading for meetingd.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration for meetingd. It is constructed once in
// main and passed into each component; no component reads the environment
// at call time.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Fireflies  FirefliesConfig  `koanf:"fireflies"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Store      StoreConfig      `koanf:"store"`
	Blobs      BlobsConfig      `koanf:"blobs"`
	Chunking   ChunkingConfig   `koanf:"chunking"`
	Sync       SyncConfig       `koanf:"sync"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// FirefliesConfig holds transcript provider configuration.
type FirefliesConfig struct {
	// BaseURL is the GraphQL endpoint URL.
	BaseURL string `koanf:"base_url"`
	// APIKey is the bearer token. Set via FIREFLIES_API_KEY.
	APIKey string `koanf:"api_key"`
	// Timeout bounds each provider call.
	Timeout time.Duration `koanf:"timeout"`
	// PageLimit caps transcripts requested per list call (provider max 100).
	PageLimit int `koanf:"page_limit"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// BaseURL is the OpenAI-compatible API base (e.g. https://api.openai.com/v1).
	BaseURL string `koanf:"base_url"`
	// APIKey is the bearer token. Set via EMBEDDINGS_API_KEY.
	APIKey string `koanf:"api_key"`
	// Model is the embedding model identifier stored alongside each vector.
	Model string `koanf:"model"`
	// BatchSize caps texts per request.
	BatchSize int `koanf:"batch_size"`
	// MaxBatchChars caps total text bytes per request.
	MaxBatchChars int `koanf:"max_batch_chars"`
	// RequestsPerMinute throttles calls below the provider ceiling.
	RequestsPerMinute int `koanf:"requests_per_minute"`
	// MaxAttempts bounds retries on 429/5xx responses.
	MaxAttempts int `koanf:"max_attempts"`
	// Timeout bounds each embedding call.
	Timeout time.Duration `koanf:"timeout"`
}

// StoreConfig holds metadata index configuration.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is allowed for tests.
	Path string `koanf:"path"`
}

// BlobsConfig holds transcript blob store configuration.
type BlobsConfig struct {
	// Path is the root directory for rendered transcripts.
	Path string `koanf:"path"`
}

// ChunkingConfig holds chunker parameters. Changing these between runs
// changes chunk boundaries, so they are part of the ingestion contract.
type ChunkingConfig struct {
	WindowSeconds     float64 `koanf:"window_seconds"`
	OverlapSeconds    float64 `koanf:"overlap_seconds"`
	MaxFullChunkChars int     `koanf:"max_full_chunk_chars"`
	MinTurnWords      int     `koanf:"min_turn_words"`
}

// SyncConfig holds orchestrator parameters.
type SyncConfig struct {
	// DefaultLimit is the batch size when a sync request omits one.
	DefaultLimit int `koanf:"default_limit"`
	// ClaimTTL is how long a vectorization claim is held before it expires.
	ClaimTTL time.Duration `koanf:"claim_ttl"`
	// RetryBackoff is how long a failed meeting is skipped before re-attempt.
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	// Interval is the periodic pull schedule; zero disables the ticker.
	Interval time.Duration `koanf:"interval"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be 1-65535, got %d", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging.format must be json or console, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.Fireflies.BaseURL == "" {
		return fmt.Errorf("%w: fireflies.base_url required", ErrInvalidConfig)
	}
	if c.Fireflies.PageLimit < 1 || c.Fireflies.PageLimit > 100 {
		return fmt.Errorf("%w: fireflies.page_limit must be 1-100, got %d", ErrInvalidConfig, c.Fireflies.PageLimit)
	}
	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("%w: embeddings.base_url required", ErrInvalidConfig)
	}
	if c.Embeddings.Model == "" {
		return fmt.Errorf("%w: embeddings.model required", ErrInvalidConfig)
	}
	if c.Embeddings.BatchSize < 1 || c.Embeddings.BatchSize > 100 {
		return fmt.Errorf("%w: embeddings.batch_size must be 1-100, got %d", ErrInvalidConfig, c.Embeddings.BatchSize)
	}
	if c.Embeddings.MaxAttempts < 1 {
		return fmt.Errorf("%w: embeddings.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path required", ErrInvalidConfig)
	}
	if c.Blobs.Path == "" {
		return fmt.Errorf("%w: blobs.path required", ErrInvalidConfig)
	}
	if c.Chunking.WindowSeconds <= 0 {
		return fmt.Errorf("%w: chunking.window_seconds must be positive", ErrInvalidConfig)
	}
	if c.Chunking.OverlapSeconds < 0 || c.Chunking.OverlapSeconds >= c.Chunking.WindowSeconds {
		return fmt.Errorf("%w: chunking.overlap_seconds must be in [0, window_seconds)", ErrInvalidConfig)
	}
	if c.Chunking.MaxFullChunkChars < 1 {
		return fmt.Errorf("%w: chunking.max_full_chunk_chars must be positive", ErrInvalidConfig)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Fireflies.BaseURL == "" {
		cfg.Fireflies.BaseURL = "https://api.fireflies.ai/graphql"
	}
	if cfg.Fireflies.Timeout == 0 {
		cfg.Fireflies.Timeout = 30 * time.Second
	}
	if cfg.Fireflies.PageLimit == 0 {
		cfg.Fireflies.PageLimit = 50
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 100
	}
	if cfg.Embeddings.MaxBatchChars == 0 {
		cfg.Embeddings.MaxBatchChars = 96 * 1024
	}
	if cfg.Embeddings.RequestsPerMinute == 0 {
		cfg.Embeddings.RequestsPerMinute = 300
	}
	if cfg.Embeddings.MaxAttempts == 0 {
		cfg.Embeddings.MaxAttempts = 3
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 30 * time.Second
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "meetingd.sqlite"
	}
	if cfg.Blobs.Path == "" {
		cfg.Blobs.Path = "blobs"
	}

	if cfg.Chunking.WindowSeconds == 0 {
		cfg.Chunking.WindowSeconds = 300
	}
	if cfg.Chunking.OverlapSeconds == 0 {
		cfg.Chunking.OverlapSeconds = 60
	}
	if cfg.Chunking.MaxFullChunkChars == 0 {
		cfg.Chunking.MaxFullChunkChars = 24000
	}
	if cfg.Chunking.MinTurnWords == 0 {
		cfg.Chunking.MinTurnWords = 5
	}

	if cfg.Sync.DefaultLimit == 0 {
		cfg.Sync.DefaultLimit = 25
	}
	if cfg.Sync.ClaimTTL == 0 {
		cfg.Sync.ClaimTTL = 5 * time.Minute
	}
	if cfg.Sync.RetryBackoff == 0 {
		cfg.Sync.RetryBackoff = 15 * time.Minute
	}
}
