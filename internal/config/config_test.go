package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "https://api.fireflies.ai/graphql", cfg.Fireflies.BaseURL)
	assert.Equal(t, 50, cfg.Fireflies.PageLimit)
	assert.Equal(t, "text-embedding-3-small", cfg.Embeddings.Model)
	assert.Equal(t, 100, cfg.Embeddings.BatchSize)
	assert.Equal(t, 3, cfg.Embeddings.MaxAttempts)
	assert.Equal(t, float64(300), cfg.Chunking.WindowSeconds)
	assert.Equal(t, float64(60), cfg.Chunking.OverlapSeconds)
	assert.Equal(t, 25, cfg.Sync.DefaultLimit)
	assert.Equal(t, 5*time.Minute, cfg.Sync.ClaimTTL)
	assert.Equal(t, 15*time.Minute, cfg.Sync.RetryBackoff)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetingd.yaml")
	content := `
server:
  port: 8080
logging:
  level: debug
  format: console
chunking:
  window_seconds: 120
  overlap_seconds: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, float64(120), cfg.Chunking.WindowSeconds)
	assert.Equal(t, float64(30), cfg.Chunking.OverlapSeconds)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetingd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644))

	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("FIREFLIES_API_KEY", "ff-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "ff-secret", cfg.Fireflies.APIKey)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9180, cfg.Server.Port)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "page limit above provider cap",
			mutate:  func(c *Config) { c.Fireflies.PageLimit = 500 },
			wantErr: "page_limit",
		},
		{
			name:    "batch size above provider cap",
			mutate:  func(c *Config) { c.Embeddings.BatchSize = 101 },
			wantErr: "batch_size",
		},
		{
			name:    "overlap not below window",
			mutate:  func(c *Config) { c.Chunking.OverlapSeconds = c.Chunking.WindowSeconds },
			wantErr: "overlap_seconds",
		},
		{
			name:    "missing embedding model",
			mutate:  func(c *Config) { c.Embeddings.Model = "" },
			wantErr: "embeddings.model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
