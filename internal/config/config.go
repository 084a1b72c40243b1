// Package config holds the startup-resolved configuration for the DevMesh
// server. Precedence, lowest to highest: built-in defaults, optional YAML
// file, DEVMESH_* environment variables (secrets), CLI flags. Configuration
// is read once at startup; there is no mid-flight reconfiguration.
package config

import (
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Cache     CacheConfig     `yaml:"cache"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Retention RetentionConfig `yaml:"retention"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Port the API server listens on
	Port int `yaml:"port"`

	// APIKey is the shared secret checked against the X-API-Key header.
	// Empty disables authentication.
	APIKey string `yaml:"api_key"`
}

// DBConfig configures the Postgres connection pool.
type DBConfig struct {
	// DSN is the Postgres connection string. Required.
	DSN string `yaml:"dsn"`

	// MaxConns bounds the pool. Must exceed the expected concurrent
	// ingest + search + backfill workers.
	MaxConns int `yaml:"max_conns"`

	// MinConns is the number of idle connections kept open.
	MinConns int `yaml:"min_conns"`
}

// EmbeddingConfig configures the embedding gateway client.
type EmbeddingConfig struct {
	// BaseURL of the OpenAI-compatible gateway. Required for the embed
	// and semantic-search paths; when empty those paths report degraded.
	BaseURL string `yaml:"base_url"`

	// Model identifier sent with every request
	Model string `yaml:"model"`

	// Dim is the expected vector dimension; vectors of any other length
	// are rejected
	Dim int `yaml:"dim"`

	// Timeout per HTTP request
	Timeout time.Duration `yaml:"timeout"`

	// BatchSize is the number of texts per request
	BatchSize int `yaml:"batch_size"`

	// Concurrency is the global in-flight request cap
	Concurrency int `yaml:"concurrency"`

	// InterBatchDelay is idle time between batches (thermal management
	// knob for the serving hardware)
	InterBatchDelay time.Duration `yaml:"inter_batch_delay"`

	// MaxRetries per request on transient failure
	MaxRetries int `yaml:"max_retries"`
}

// IngestConfig configures the ingest pipeline.
type IngestConfig struct {
	// QueueSize bounds the work queue; a full queue turns into a
	// retryable busy signal for the shipper
	QueueSize int `yaml:"queue_size"`

	// Workers is the number of parallel batch processors
	Workers int `yaml:"workers"`

	// MaxBatch is the largest accepted submission
	MaxBatch int `yaml:"max_batch"`

	// MaxClockSkew is how far in the future an event timestamp may lie
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// CacheConfig configures the in-memory template cache.
type CacheConfig struct {
	// Capacity is the LRU bound (entries)
	Capacity int `yaml:"capacity"`

	// Warm is how many recently-updated templates to preload at startup
	Warm int `yaml:"warm"`
}

// BackfillConfig configures the safety-net workers.
type BackfillConfig struct {
	// BatchSize rows per scan step
	BatchSize int `yaml:"batch_size"`

	// Delay between scan steps
	Delay time.Duration `yaml:"delay"`

	// MaxRows caps one run
	MaxRows int `yaml:"max_rows"`

	// Interval between scheduled runs inside the server; 0 disables the
	// scheduler (run via the backfill CLI instead)
	Interval time.Duration `yaml:"interval"`
}

// RetentionConfig configures the TTL retention job.
type RetentionConfig struct {
	// Days is the retention horizon
	Days int `yaml:"days"`

	// BatchSize rows per delete statement
	BatchSize int `yaml:"batch_size"`

	// Interval between scheduled runs inside the server; 0 disables the
	// scheduler (run via the retention CLI instead)
	Interval time.Duration `yaml:"interval"`

	// DryRun reports what would be deleted without deleting
	DryRun bool `yaml:"dry_run"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	TLSCAPath   string `yaml:"tls_ca"`
	TLSInsecure bool   `yaml:"tls_insecure"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the default level; per-package overrides come from the
	// --log-level flag
	Level string `yaml:"level"`
}

// Default returns the built-in defaults. Callers layer file, environment
// and flag values on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8085,
		},
		DB: DBConfig{
			MaxConns: 10,
			MinConns: 2,
		},
		Embedding: EmbeddingConfig{
			Model:       "qwen3-embedding:8b",
			Dim:         4096,
			Timeout:     60 * time.Second,
			BatchSize:   50,
			Concurrency: 2,
			MaxRetries:  3,
		},
		Ingest: IngestConfig{
			QueueSize:    64,
			Workers:      4,
			MaxBatch:     1000,
			MaxClockSkew: 24 * time.Hour,
		},
		Cache: CacheConfig{
			Capacity: 100000,
			Warm:     1000,
		},
		Backfill: BackfillConfig{
			BatchSize: 500,
			Delay:     100 * time.Millisecond,
			MaxRows:   10000,
		},
		Retention: RetentionConfig{
			Days:      90,
			BatchSize: 5000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is usable. Returns a *ConfigError
// naming the offending key.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return NewConfigError("server.port must be between 1 and 65535")
	}
	if c.DB.DSN == "" {
		return NewConfigError("db.dsn is required (set it in the config file or DEVMESH_DB_DSN)")
	}
	if c.DB.MaxConns < 1 {
		return NewConfigError("db.max_conns must be at least 1")
	}
	if c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
		return NewConfigError("db.min_conns must be between 0 and db.max_conns")
	}
	if c.Embedding.Dim < 1 {
		return NewConfigError("embedding.dim must be at least 1")
	}
	if c.Embedding.BatchSize < 1 {
		return NewConfigError("embedding.batch_size must be at least 1")
	}
	if c.Embedding.Concurrency < 1 {
		return NewConfigError("embedding.concurrency must be at least 1")
	}
	if c.Ingest.QueueSize < 1 {
		return NewConfigError("ingest.queue_size must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return NewConfigError("ingest.workers must be at least 1")
	}
	if c.Ingest.MaxBatch < 1 {
		return NewConfigError("ingest.max_batch must be at least 1")
	}
	if c.Ingest.MaxClockSkew < 0 {
		return NewConfigError("ingest.max_clock_skew must not be negative")
	}
	if c.Cache.Capacity < 1 {
		return NewConfigError("cache.capacity must be at least 1")
	}
	if c.Backfill.BatchSize < 1 {
		return NewConfigError("backfill.batch_size must be at least 1")
	}
	if c.Retention.Days < 1 {
		return NewConfigError("retention.days must be at least 1")
	}
	if c.Retention.BatchSize < 1 {
		return NewConfigError("retention.batch_size must be at least 1")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return e.message
}
