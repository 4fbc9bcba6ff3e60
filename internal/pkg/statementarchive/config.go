package statementarchive

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// Config holds the S3 settings for the statement archive
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("S3_STATEMENT_PREFIX", "statements"),
		Enabled:         env.GetEnv("S3_ARCHIVE_ENABLED", "false") == "true",
	}

	if cfg.Enabled {
		if cfg.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the statement archive is enabled")
		}
		if cfg.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the statement archive is enabled")
		}
		if cfg.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the statement archive is enabled")
		}
	}
	return cfg, nil
}

func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey builds the key for one provider statement window.
// Format: <prefix>/<provider>/YYYY/MM/<from>_<to>.json
func (c *Config) ObjectKey(providerCode string, from, to time.Time) string {
	from, to = from.UTC(), to.UTC()
	prefix := c.Prefix
	if prefix == "" {
		prefix = "statements"
	}
	return fmt.Sprintf("%s/%s/%04d/%02d/%s_%s.json", prefix, providerCode, from.Year(), int(from.Month()),
		from.Format("20060102T150405Z"), to.Format("20060102T150405Z"))
}
