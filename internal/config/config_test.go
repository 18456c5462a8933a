package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Storage.LocalDir == "" {
		t.Error("Resolve should derive the local object dir")
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arroyo.yaml")
	content := []byte(`
data_dir: /var/lib/arroyo
http:
  addr: ":9090"
catalog:
  bucket_max_count: 500
  meta_field: tags
storage:
  type: s3
  s3_bucket: arroyo-buckets
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.DataDir != "/var/lib/arroyo" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Catalog.BucketMaxCount != 500 {
		t.Errorf("BucketMaxCount = %d", cfg.Catalog.BucketMaxCount)
	}
	if cfg.Catalog.MetaField != "tags" {
		t.Errorf("MetaField = %q", cfg.Catalog.MetaField)
	}
	// Unset fields keep their defaults.
	if cfg.Catalog.BucketMaxSpanSeconds != 3600 {
		t.Errorf("BucketMaxSpanSeconds = %d, want default", cfg.Catalog.BucketMaxSpanSeconds)
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadFromFileRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arroyo.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ARROYO_HTTP_ADDR", ":7070")
	t.Setenv("ARROYO_BUCKET_MAX_COUNT", "250")
	t.Setenv("ARROYO_STORAGE_TYPE", "s3")
	t.Setenv("ARROYO_S3_BUCKET", "env-bucket")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.HTTP.Addr != ":7070" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Catalog.BucketMaxCount != 250 {
		t.Errorf("BucketMaxCount = %d", cfg.Catalog.BucketMaxCount)
	}
	if cfg.Storage.Type != "s3" || cfg.Storage.S3Bucket != "env-bucket" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero bucket count", func(c *Config) { c.Catalog.BucketMaxCount = 0 }},
		{"zero bucket size", func(c *Config) { c.Catalog.BucketMaxSizeBytes = 0 }},
		{"zero span", func(c *Config) { c.Catalog.BucketMaxSpanSeconds = 0 }},
		{"zero memory threshold", func(c *Config) { c.Catalog.IdleMemoryThresholdBytes = 0 }},
		{"empty time field", func(c *Config) { c.Catalog.TimeField = "" }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "tape" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3"; c.Storage.S3Bucket = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
