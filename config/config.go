package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRoomTTL       = 30 * time.Minute
	DefaultMaxUploadSize = 5 * 1024 * 1024
	DefaultPresignTTL    = 10 * time.Second
)

type (
	Config struct {
		StorageType    string `yaml:"storage_type"`
		DataSourceName string `yaml:"data_source_name"`
		DatabaseURL    string `yaml:"database_url"`

		ObjectStoreType  string `yaml:"object_store_type"`
		LocalStoragePath string `yaml:"local_storage_path"`
		S3               S3     `yaml:"s3"`

		RoomTTL       time.Duration `yaml:"room_ttl"`
		MaxUploadSize int64         `yaml:"max_upload_size"`
		PresignTTL    time.Duration `yaml:"presign_ttl"`

		SessionSecret string `yaml:"session_secret"`
		PublicBaseURL string `yaml:"public_base_url"`

		Scheduler Scheduler `yaml:"scheduler"`
	}

	S3 struct {
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
		BucketName      string `yaml:"bucket_name"`
		Endpoint        string `yaml:"endpoint"`
	}

	Scheduler struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxAttempts  int           `yaml:"max_attempts"`
		BaseBackoff  time.Duration `yaml:"base_backoff"`
		MaxBackoff   time.Duration `yaml:"max_backoff"`
		Lease        time.Duration `yaml:"lease"`
		BatchSize    int           `yaml:"batch_size"`
	}
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		StorageType:      "memory",
		DataSourceName:   "fleetingfiles.db",
		ObjectStoreType:  "memory",
		LocalStoragePath: "./data",
		S3: S3{
			Region: "ap-south-1",
		},
		RoomTTL:       DefaultRoomTTL,
		MaxUploadSize: DefaultMaxUploadSize,
		PresignTTL:    DefaultPresignTTL,
		PublicBaseURL: "http://localhost:3002",
		Scheduler: Scheduler{
			PollInterval: 5 * time.Second,
			MaxAttempts:  8,
			BaseBackoff:  2 * time.Second,
			MaxBackoff:   5 * time.Minute,
			Lease:        time.Minute,
			BatchSize:    32,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence. A .env file in the working
// directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.StorageType, "STORAGE_TYPE")
	setString(&c.DataSourceName, "DATA_SOURCE_NAME")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.ObjectStoreType, "OBJECT_STORE_TYPE")
	setString(&c.LocalStoragePath, "LOCAL_STORAGE_PATH")
	setString(&c.S3.Region, "S3_REGION")
	setString(&c.S3.AccessKeyID, "S3_ACCESS_KEY_ID")
	setString(&c.S3.SecretAccessKey, "S3_SECRET_ACCESS_KEY")
	setString(&c.S3.BucketName, "S3_BUCKET_NAME")
	setString(&c.S3.Endpoint, "S3_ENDPOINT")
	setString(&c.SessionSecret, "SESSION_SECRET")
	setString(&c.PublicBaseURL, "PUBLIC_BASE_URL")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ROOM_TTL", &c.RoomTTL},
		{"PRESIGN_TTL", &c.PresignTTL},
		{"SCHEDULER_POLL_INTERVAL", &c.Scheduler.PollInterval},
		{"SCHEDULER_BASE_BACKOFF", &c.Scheduler.BaseBackoff},
		{"SCHEDULER_MAX_BACKOFF", &c.Scheduler.MaxBackoff},
		{"SCHEDULER_LEASE", &c.Scheduler.Lease},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}

	if val := os.Getenv("MAX_UPLOAD_SIZE"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_SIZE %q: %w", val, err)
		}
		c.MaxUploadSize = n
	}
	if err := setInt(&c.Scheduler.MaxAttempts, "SCHEDULER_MAX_ATTEMPTS"); err != nil {
		return err
	}
	return setInt(&c.Scheduler.BatchSize, "SCHEDULER_BATCH_SIZE")
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch {
	case c.RoomTTL <= 0:
		return fmt.Errorf("room ttl must be positive, got %s", c.RoomTTL)
	case c.PresignTTL <= 0:
		return fmt.Errorf("presign ttl must be positive, got %s", c.PresignTTL)
	case c.MaxUploadSize <= 0:
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadSize)
	case c.Scheduler.PollInterval <= 0:
		return fmt.Errorf("scheduler poll interval must be positive, got %s", c.Scheduler.PollInterval)
	case c.Scheduler.MaxAttempts <= 0:
		return fmt.Errorf("scheduler max attempts must be positive, got %d", c.Scheduler.MaxAttempts)
	case c.Scheduler.BaseBackoff <= 0 || c.Scheduler.MaxBackoff < c.Scheduler.BaseBackoff:
		return fmt.Errorf("scheduler backoff must satisfy 0 < base <= max, got %s and %s", c.Scheduler.BaseBackoff, c.Scheduler.MaxBackoff)
	case c.Scheduler.Lease <= 0:
		return fmt.Errorf("scheduler lease must be positive, got %s", c.Scheduler.Lease)
	case c.Scheduler.BatchSize <= 0:
		return fmt.Errorf("scheduler batch size must be positive, got %d", c.Scheduler.BatchSize)
	}

	switch c.StorageType {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for postgres storage type")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}

	switch c.ObjectStoreType {
	case "memory", "filesystem":
	case "s3":
		if c.S3.BucketName == "" {
			return fmt.Errorf("S3_BUCKET_NAME must be set for s3 object store type")
		}
	default:
		return fmt.Errorf("unknown object store type %q", c.ObjectStoreType)
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setDuration(dst *time.Duration, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	*dst = n
	return nil
}
