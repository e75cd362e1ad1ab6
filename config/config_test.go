package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.RoomTTL != 30*time.Minute {
		t.Errorf("RoomTTL mismatch: got %s, want 30m", cfg.RoomTTL)
	}
	if cfg.MaxUploadSize != 5242880 {
		t.Errorf("MaxUploadSize mismatch: got %d, want 5242880", cfg.MaxUploadSize)
	}
	if cfg.PresignTTL != 10*time.Second {
		t.Errorf("PresignTTL mismatch: got %s, want 10s", cfg.PresignTTL)
	}
	if cfg.StorageType != "memory" || cfg.ObjectStoreType != "memory" {
		t.Errorf("unexpected backends: %q / %q", cfg.StorageType, cfg.ObjectStoreType)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage_type: sqlite
data_source_name: rooms.db
room_ttl: 1h
max_upload_size: 1024
s3:
  region: eu-west-1
  bucket_name: from-file
scheduler:
  poll_interval: 250ms
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ROOM_TTL", "90s")
	t.Setenv("S3_BUCKET_NAME", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.StorageType != "sqlite" || cfg.DataSourceName != "rooms.db" {
		t.Errorf("file values not applied: %q %q", cfg.StorageType, cfg.DataSourceName)
	}
	if cfg.RoomTTL != 90*time.Second {
		t.Errorf("env should override file: got %s", cfg.RoomTTL)
	}
	if cfg.MaxUploadSize != 1024 {
		t.Errorf("MaxUploadSize mismatch: got %d", cfg.MaxUploadSize)
	}
	if cfg.S3.Region != "eu-west-1" || cfg.S3.BucketName != "from-env" {
		t.Errorf("s3 values mismatch: %+v", cfg.S3)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval mismatch: got %s", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.MaxAttempts != 8 {
		t.Errorf("unset scheduler fields should keep defaults, got %d", cfg.Scheduler.MaxAttempts)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("PRESIGN_TTL", "ten seconds")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "PRESIGN_TTL") {
		t.Fatalf("expected PRESIGN_TTL error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero ttl", func(c *Config) { c.RoomTTL = 0 }, "room ttl"},
		{"negative size", func(c *Config) { c.MaxUploadSize = -1 }, "max upload size"},
		{"s3 without bucket", func(c *Config) { c.ObjectStoreType = "s3" }, "S3_BUCKET_NAME"},
		{"postgres without dsn", func(c *Config) { c.StorageType = "postgres" }, "DATABASE_URL"},
		{"unknown storage", func(c *Config) { c.StorageType = "redis" }, "unknown storage type"},
		{"backoff inverted", func(c *Config) { c.Scheduler.MaxBackoff = time.Millisecond }, "backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}
