package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	BaseDir          string `yaml:"base_dir"`
	MaxUploadBytesMb int64  `yaml:"max_upload_mb"`

	Jobs        Jobs        `yaml:"jobs"`
	Engines     Engines     `yaml:"engines"`
	Replication Replication `yaml:"replication"`

	Redis Redis `yaml:"redis"`
	MinIO MinIO `yaml:"minio"`
	NATS  NATS  `yaml:"nats"`
}

type Jobs struct {
	Capacity     int           `yaml:"capacity"`
	Retention    time.Duration `yaml:"retention"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	SyncTimeout  time.Duration `yaml:"sync_timeout"`
	MaxRuntime   time.Duration `yaml:"max_runtime"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

type Engines struct {
	ASR Engine `yaml:"asr"`
	OCR Engine `yaml:"ocr"`
	PDF Engine `yaml:"pdf"`
}

// Engine configures one modality. Unused fields are ignored by engines
// that do not need them.
type Engine struct {
	Disabled       bool   `yaml:"disabled"`
	Binary         string `yaml:"binary"`
	FFmpeg         string `yaml:"ffmpeg"`
	Model          string `yaml:"model"`
	DataDir        string `yaml:"data_dir"`
	Language       string `yaml:"language"`
	Threads        int    `yaml:"threads"`
	DPI            int    `yaml:"dpi"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

type Replication struct {
	QueueCapacity int `yaml:"queue_capacity"`
	PoolSize      int `yaml:"pool_size"`
	MaxRetries    int `yaml:"max_retries"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	BasePath        string `yaml:"base_path"`
}

type NATS struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	Subject       string        `yaml:"subject"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// MustLoad loads the config or exits the process.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Load reads .env (when present) into the environment, expands ${VAR}
// references in the yaml file and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxUploadBytesMb <= 0 {
		c.MaxUploadBytesMb = 100
	}

	if c.Jobs.Capacity <= 0 {
		c.Jobs.Capacity = 1000
	}
	if c.Jobs.Retention <= 0 {
		c.Jobs.Retention = time.Hour
	}
	if c.Jobs.ReapInterval <= 0 {
		c.Jobs.ReapInterval = time.Minute
	}
	if c.Jobs.SyncTimeout <= 0 {
		c.Jobs.SyncTimeout = 5 * time.Minute
	}
	if c.Jobs.MaxBatchSize <= 0 {
		c.Jobs.MaxBatchSize = 50
	}

	for _, e := range []*Engine{&c.Engines.ASR, &c.Engines.OCR, &c.Engines.PDF} {
		if e.MaxConcurrency <= 0 {
			e.MaxConcurrency = 1
		}
	}
	if c.Engines.PDF.DPI <= 0 {
		c.Engines.PDF.DPI = 300
	}

	if c.Replication.QueueCapacity <= 0 {
		c.Replication.QueueCapacity = 100
	}
	if c.Replication.PoolSize <= 0 {
		c.Replication.PoolSize = 2
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "convhub:job:"
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = c.Jobs.Retention * 2
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "CONVHUB_JOBS"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "convhub.jobs"
	}
	if c.NATS.ReconnectWait <= 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is empty")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Jobs.MaxRuntime < 0 {
		return fmt.Errorf("jobs.max_runtime must not be negative, got %s", c.Jobs.MaxRuntime)
	}
	if c.Jobs.MaxRuntime > 0 && c.Jobs.MaxRuntime < c.Jobs.SyncTimeout {
		return fmt.Errorf("jobs.max_runtime (%s) is shorter than jobs.sync_timeout (%s)",
			c.Jobs.MaxRuntime, c.Jobs.SyncTimeout)
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		return fmt.Errorf("minio.bucket is empty")
	}
	return nil
}
