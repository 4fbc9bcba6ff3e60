// Package statementarchive keeps the raw provider statements that
// reconciliation runs were computed from.
package statementarchive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

var ErrDisabled = errors.New("statement archive is disabled")

// objectStore is the part of the S3 API the archive uses.
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archive stores statements in an S3 bucket
type Archive struct {
	store  objectStore
	config *Config
}

// New creates the archive and checks that the bucket is reachable.
func New(ctx context.Context, cfg *Config) (*Archive, error) {
	if !cfg.IsEnabled() {
		return nil, ErrDisabled
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	a := &Archive{store: client, config: cfg}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}
	log.Infof("[StatementArchive] Using bucket %s", cfg.BucketName)
	return a, nil
}

func (a *Archive) Config() *Config {
	return a.config
}

// Put uploads body under key and returns the s3:// location.
func (a *Archive) Put(ctx context.Context, key string, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"sha256":        hex.EncodeToString(sum[:]),
			"upload-source": "payfox-reconciliation",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload statement %s: %w", key, err)
	}
	location := fmt.Sprintf("s3://%s/%s", a.config.BucketName, key)
	log.Infof("[StatementArchive] Stored %s (%d bytes)", location, len(body))
	return location, nil
}

// Get downloads a stored statement.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.config.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get statement %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
