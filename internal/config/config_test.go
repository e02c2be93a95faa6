package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 32, cfg.Pipeline.EmbedBatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Draft.DefaultTTL)
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
pipeline:
  source_concurrency: 8
embedding:
  provider: local
  dimension: 384
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.SourceConcurrency)
	assert.Equal(t, 384, cfg.Embedding.Dimension)
	// Untouched sections keep defaults.
	assert.Equal(t, "memory", cfg.Vector.Adapter)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking_mode: fancy\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "8123")
	t.Setenv("DATABASE_URL", "postgres://kb:kb@localhost/kb")
	t.Setenv("REDIS_URL", "redis://localhost:6399")
	t.Setenv("EMBEDDING_DIMENSION", "512")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Redis.Driver)
	assert.Equal(t, "localhost:6399", cfg.Redis.Addr)
	assert.Equal(t, 512, cfg.Embedding.Dimension)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad db driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"bad vector adapter", func(c *Config) { c.Vector.Adapter = "faiss" }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"ttl inversion", func(c *Config) { c.Draft.DefaultTTL = 8 * 24 * time.Hour }},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
