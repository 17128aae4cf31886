package mio

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	BasePath        string
	Retry           RetryConfig
}

type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c *Config) setDefaults() {
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = time.Second
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 30 * time.Second
	}
}

// NewClient connects to MinIO and makes sure the bucket exists, retrying
// with exponential backoff while the server is starting.
func NewClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty MinIO endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty MinIO bucket")
	}
	cfg.setDefaults()

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}

	var lastErr error
	interval := cfg.Retry.InitialInterval

	for attempt := range cfg.Retry.MaxRetries {
		if lastErr = ensureBucket(ctx, client, cfg.Bucket); lastErr == nil {
			return client, nil
		}
		if attempt == cfg.Retry.MaxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("MinIO init canceled: %w", ctx.Err())
		case <-time.After(interval):
			interval = min(interval*2, cfg.Retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", cfg.Retry.MaxRetries, lastErr)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
