// Package config provides the unified configuration for catalogsync.
// A single Config structure carries every connector variant's settings
// plus the pipeline, sync, store and observability sections.
//
// The configuration is organized into logical sections:
//   - File, Desktop, Midrange: per-connector connection settings
//   - ConnectRetry: bounded exponential backoff for connect attempts
//   - Pipeline: batch size, worker pool, load retries, deferral bound
//   - Sync: entity list, schedule, staleness threshold
//   - Store: central store DSN and pool size
//   - Logging, Observability: log level, metrics endpoint, tracing
//
// Example usage:
//
//	cfg := config.Default()
//	if err := config.Load("catalogsync.yaml", cfg); err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	File     FileConfig     `yaml:"file" json:"file"`
	Desktop  DesktopConfig  `yaml:"desktop" json:"desktop"`
	Midrange MidrangeConfig `yaml:"midrange" json:"midrange"`

	ConnectRetry RetryConfig    `yaml:"connect_retry" json:"connect_retry"`
	Pipeline     PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Sync         SyncConfig     `yaml:"sync" json:"sync"`
	Store        StoreConfig    `yaml:"store" json:"store"`

	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// FileConfig configures the flat-file connector.
type FileConfig struct {
	// Path is a local path, glob, s3://bucket/key or gs://bucket/object
	Path string `yaml:"path" json:"path"`
	// Format is csv, tsv, pipe, json or ndjson; empty infers from extension
	Format string `yaml:"format" json:"format"`
	// Encoding is utf-8, latin1 or windows-1252
	Encoding  string `yaml:"encoding" json:"encoding"`
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	HasHeader bool   `yaml:"has_header" json:"has_header"`
	// Compression is auto, none, gzip, zstd or lz4
	Compression string `yaml:"compression" json:"compression"`
	// Region is used for s3:// locations
	Region string `yaml:"region" json:"region"`
	// CredentialsFile is used for gs:// locations
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// DesktopConfig configures the desktop-database connector.
type DesktopConfig struct {
	// Driver is a database/sql driver name: sqlite or mysql
	Driver string `yaml:"driver" json:"driver"`
	// DSN overrides Path when set
	DSN      string        `yaml:"dsn" json:"dsn"`
	Path     string        `yaml:"path" json:"path"`
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// MidrangeConfig configures the midrange-database connector.
type MidrangeConfig struct {
	Driver   string `yaml:"driver" json:"driver"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	// Library is the schema holding the catalog files
	Library         string        `yaml:"library" json:"library"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	RateLimitPerSec int           `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts" json:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
}

// PipelineConfig controls one import run.
type PipelineConfig struct {
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Workers bounds the transform/validate pool
	Workers     int           `yaml:"workers" json:"workers"`
	LoadRetries int           `yaml:"load_retries" json:"load_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// MaxDeferred bounds records parked awaiting dependencies
	MaxDeferred int `yaml:"max_deferred" json:"max_deferred"`
	// ErrorSummary caps error reasons printed by the CLI
	ErrorSummary int `yaml:"error_summary" json:"error_summary"`
}

// SyncConfig controls the incremental sync service.
type SyncConfig struct {
	Entities []string      `yaml:"entities" json:"entities"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	// StalenessThreshold after which a RUNNING record is reclaimable
	StalenessThreshold time.Duration `yaml:"staleness_threshold" json:"staleness_threshold"`
	RunTimeout         time.Duration `yaml:"run_timeout" json:"run_timeout"`
}

// StoreConfig configures the central store.
type StoreConfig struct {
	DSN      string `yaml:"dsn" json:"dsn"`
	MaxConns int    `yaml:"max_conns" json:"max_conns"`
	Migrate  bool   `yaml:"migrate" json:"migrate"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when non-empty (sync command only)
	MetricsAddr  string  `yaml:"metrics_addr" json:"metrics_addr"`
	Tracing      bool    `yaml:"tracing" json:"tracing"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		File: FileConfig{
			Encoding:    "utf-8",
			HasHeader:   true,
			Compression: "auto",
		},
		Desktop: DesktopConfig{
			Driver:  "sqlite",
			Timeout: 30 * time.Second,
		},
		Midrange: MidrangeConfig{
			Driver:       "pgx",
			Port:         5432,
			SSLMode:      "prefer",
			QueryTimeout: 5 * time.Minute,
			BatchSize:    1000,
		},
		ConnectRetry: RetryConfig{
			Attempts:     3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		Pipeline: PipelineConfig{
			BatchSize:    1000,
			Workers:      runtime.NumCPU(),
			LoadRetries:  3,
			RetryDelay:   500 * time.Millisecond,
			MaxDeferred:  10000,
			ErrorSummary: 10,
		},
		Sync: SyncConfig{
			Interval:           15 * time.Minute,
			StalenessThreshold: 2 * time.Hour,
			RunTimeout:         time.Hour,
		},
		Store: StoreConfig{
			MaxConns: 10,
			Migrate:  true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Observability: ObservabilityConfig{
			SamplingRate: 0.1,
		},
	}
}

// Validate checks ranges and required values that do not depend on which
// connector is used.
func (c *Config) Validate() error {
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers cannot be negative")
	}
	if c.Pipeline.LoadRetries < 0 {
		return fmt.Errorf("pipeline.load_retries cannot be negative")
	}
	if c.Pipeline.MaxDeferred < 0 {
		return fmt.Errorf("pipeline.max_deferred cannot be negative")
	}
	if c.ConnectRetry.Attempts < 1 {
		return fmt.Errorf("connect_retry.attempts must be at least 1")
	}
	if c.ConnectRetry.Multiplier < 1 {
		return fmt.Errorf("connect_retry.multiplier must be >= 1")
	}
	if c.Sync.StalenessThreshold <= 0 {
		return fmt.Errorf("sync.staleness_threshold must be positive")
	}
	if c.Midrange.RateLimitPerSec < 0 {
		return fmt.Errorf("midrange.rate_limit_per_sec cannot be negative")
	}
	switch strings.ToLower(c.File.Compression) {
	case "", "auto", "none", "gzip", "zstd", "lz4":
	default:
		return fmt.Errorf("file.compression %q not supported", c.File.Compression)
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (p *PipelineConfig) GetWorkers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

// IsRateLimited returns true if query throttling is enabled
func (m *MidrangeConfig) IsRateLimited() bool {
	return m.RateLimitPerSec > 0
}

// HasCredentials returns true if a username is configured
func (m *MidrangeConfig) HasCredentials() bool {
	return m.Username != ""
}
