// Package config provides unified configuration loading for the pipeline.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the KB pipeline service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Vector        VectorConfig        `yaml:"vector"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Draft         DraftConfig         `yaml:"draft"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Quotas        QuotaConfig         `yaml:"quotas"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds catalog database settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the ephemeral KV settings (drafts, run queue, cancel
// tokens). Driver "memory" keeps everything in-process for development.
type RedisConfig struct {
	Driver   string `yaml:"driver"` // memory or redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	Adapter string       `yaml:"adapter"` // memory or qdrant
	Qdrant  QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
}

// EmbeddingConfig holds the default embedding profile for new KBs.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // local or openai-compatible provider id
	Model      string        `yaml:"model"`
	Dimension  int           `yaml:"dimension"`
	Normalized bool          `yaml:"normalized"`
	BatchSize  int           `yaml:"batch_size"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DraftConfig holds draft store settings.
type DraftConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PreviewPages  int           `yaml:"preview_pages"`
	PreviewChunks int           `yaml:"preview_chunks"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	Workers            int           `yaml:"workers"`
	SourceConcurrency  int           `yaml:"source_concurrency"`
	EmbedBatchSize     int           `yaml:"embed_batch_size"`
	IngestTimeout      time.Duration `yaml:"ingest_timeout"`
	ParseTimeout       time.Duration `yaml:"parse_timeout"`
	EmbedTimeout       time.Duration `yaml:"embed_timeout"`
	IndexTimeout       time.Duration `yaml:"index_timeout"`
	StageLogLimit      int           `yaml:"stage_log_limit"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	MaxFileBytes       int64         `yaml:"max_file_bytes"`
	StreamingThreshold int64         `yaml:"streaming_threshold"`
}

// QuotaConfig holds per-workspace admission limits.
type QuotaConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	MaxChunksPerKB    int `yaml:"max_chunks_per_kb"`
	MaxTotalVectors   int `yaml:"max_total_vectors"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/kb-pipeline.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Driver:   "memory",
			Addr:     "localhost:6379",
			PoolSize: 10,
			Prefix:   "kbp:",
		},
		Vector: VectorConfig{
			Adapter: "memory",
			Qdrant: QdrantConfig{
				Host: "localhost",
				Port: 6334,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			Model:      "kbforge-minilm-256",
			Dimension:  256,
			Normalized: true,
			BatchSize:  32,
			Timeout:    30 * time.Second,
		},
		Draft: DraftConfig{
			DefaultTTL:    24 * time.Hour,
			MaxTTL:        7 * 24 * time.Hour,
			SweepInterval: 60 * time.Second,
			PreviewPages:  10,
			PreviewChunks: 50,
		},
		Pipeline: PipelineConfig{
			Workers:            8,
			SourceConcurrency:  4,
			EmbedBatchSize:     32,
			IngestTimeout:      120 * time.Second,
			ParseTimeout:       60 * time.Second,
			EmbedTimeout:       30 * time.Second,
			IndexTimeout:       15 * time.Second,
			StageLogLimit:      10000,
			ReconcileInterval:  5 * time.Minute,
			MaxFileBytes:       50 << 20,
			StreamingThreshold: 10 << 20,
		},
		Quotas: QuotaConfig{
			MaxConcurrentRuns: 2,
			MaxChunksPerKB:    200000,
			MaxTotalVectors:   2000000,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "kb-pipeline",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Redis.Driver != "memory" && c.Redis.Driver != "redis" {
		return fmt.Errorf("invalid redis driver: %s", c.Redis.Driver)
	}
	if c.Vector.Adapter != "memory" && c.Vector.Adapter != "qdrant" {
		return fmt.Errorf("invalid vector adapter: %s", c.Vector.Adapter)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.Draft.DefaultTTL > c.Draft.MaxTTL {
		return fmt.Errorf("draft default_ttl exceeds max_ttl")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1")
	}
	if c.Pipeline.SourceConcurrency < 1 {
		return fmt.Errorf("pipeline source_concurrency must be at least 1")
	}
	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Driver = "redis"
		cfg.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}
	if v := os.Getenv("VECTOR_ADAPTER"); v != "" {
		cfg.Vector.Adapter = v
	}
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		cfg.Vector.Qdrant.Host = v
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.Vector.Qdrant.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = dim
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
