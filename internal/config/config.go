// Package config provides unified configuration for the Arroyo ingest
// service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the ingest service.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Catalog holds the bucket catalog capacity limits
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address for the write and stats API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// CatalogConfig holds the process-wide bucket catalog limits.
type CatalogConfig struct {
	// BucketMaxCount closes a bucket at this many measurements
	BucketMaxCount uint32 `json:"bucket_max_count" yaml:"bucket_max_count"`

	// BucketMaxSizeBytes closes a bucket when its serialized size would
	// pass this many bytes
	BucketMaxSizeBytes int `json:"bucket_max_size_bytes" yaml:"bucket_max_size_bytes"`

	// BucketMaxSpanSeconds bounds the time range one bucket covers
	BucketMaxSpanSeconds uint32 `json:"bucket_max_span_seconds" yaml:"bucket_max_span_seconds"`

	// IdleMemoryThresholdBytes is the catalog-wide memory bound; exceeding
	// it evicts the least recently used idle buckets
	IdleMemoryThresholdBytes int64 `json:"idle_memory_threshold_bytes" yaml:"idle_memory_threshold_bytes"`

	// TimeField is the default measurement time field name
	TimeField string `json:"time_field" yaml:"time_field"`

	// MetaField is the default measurement metadata field name ("" for no
	// metadata)
	MetaField string `json:"meta_field" yaml:"meta_field"`
}

// StorageConfig holds bucket store and archival configuration.
type StorageConfig struct {
	// Type selects the archival backend: local or s3
	Type string `json:"type" yaml:"type"`

	// ArchiveEnabled turns on commit archival to object storage
	ArchiveEnabled bool `json:"archive_enabled" yaml:"archive_enabled"`

	// LocalDir is the object directory for the local backend
	LocalDir string `json:"local_dir" yaml:"local_dir"`

	// S3Bucket is the bucket name for the s3 backend
	S3Bucket string `json:"s3_bucket" yaml:"s3_bucket"`

	// S3Region is the AWS region for the s3 backend
	S3Region string `json:"s3_region" yaml:"s3_region"`

	// S3Endpoint is an optional custom endpoint (MinIO, LocalStack)
	S3Endpoint string `json:"s3_endpoint" yaml:"s3_endpoint"`

	// S3PathStyle enables path-style addressing (required for MinIO)
	S3PathStyle bool `json:"s3_path_style" yaml:"s3_path_style"`

	// Prefix is the object key prefix for archived buckets
	Prefix string `json:"prefix" yaml:"prefix"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Catalog: CatalogConfig{
			BucketMaxCount:           1000,
			BucketMaxSizeBytes:       125 * 1024,
			BucketMaxSpanSeconds:     3600,
			IdleMemoryThresholdBytes: 100 * 1024 * 1024,
			TimeField:                "time",
			MetaField:                "meta",
		},
		Storage: StorageConfig{
			Type:     "local",
			S3Region: "us-east-1",
			Prefix:   "buckets",
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file, applying
// defaults for unset fields.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported config format: %s", filepath.Ext(path))
	}

	return cfg, nil
}

// LoadFromEnv applies ARROYO_* environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ARROYO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ARROYO_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ARROYO_BUCKET_MAX_COUNT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Catalog.BucketMaxCount = uint32(n)
		}
	}
	if v := os.Getenv("ARROYO_BUCKET_MAX_SIZE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Catalog.BucketMaxSizeBytes = n
		}
	}
	if v := os.Getenv("ARROYO_BUCKET_MAX_SPAN_SECONDS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Catalog.BucketMaxSpanSeconds = uint32(n)
		}
	}
	if v := os.Getenv("ARROYO_IDLE_MEMORY_THRESHOLD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Catalog.IdleMemoryThresholdBytes = n
		}
	}
	if v := os.Getenv("ARROYO_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("ARROYO_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("ARROYO_S3_REGION"); v != "" {
		cfg.Storage.S3Region = v
	}
	if v := os.Getenv("ARROYO_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3Endpoint = v
	}
}

// Resolve fills in paths derived from DataDir.
func (c *Config) Resolve() {
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = filepath.Join(c.DataDir, "objects")
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Catalog.BucketMaxCount == 0 {
		return fmt.Errorf("config: bucket_max_count must be positive")
	}
	if c.Catalog.BucketMaxSizeBytes <= 0 {
		return fmt.Errorf("config: bucket_max_size_bytes must be positive")
	}
	if c.Catalog.BucketMaxSpanSeconds == 0 {
		return fmt.Errorf("config: bucket_max_span_seconds must be positive")
	}
	if c.Catalog.IdleMemoryThresholdBytes <= 0 {
		return fmt.Errorf("config: idle_memory_threshold_bytes must be positive")
	}
	if c.Catalog.TimeField == "" {
		return fmt.Errorf("config: time_field is required")
	}
	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("config: s3_bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("config: unknown storage type %q", c.Storage.Type)
	}
	return nil
}
