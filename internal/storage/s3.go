// Package storage talks to object storage directly: the signed-URL PUT used
// by the upload pipeline, and an S3 client for reconciling objects left
// behind by failed finalizations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// ErrObjectNotFound is returned when an object does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// Config holds the S3-compatible bucket settings.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// HTTPClient is used for S3 requests when set.
	HTTPClient *http.Client
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("storage: bucket is required")
	}
	if c.AccessKey == "" {
		return errors.New("storage: access_key is required")
	}
	if c.SecretKey == "" {
		return errors.New("storage: secret_key is required")
	}
	return nil
}

// Bucket is an S3-compatible bucket holding uploaded videos.
type Bucket struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// New creates a bucket client. Custom endpoints (MinIO and similar) use
// path-style addressing.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Bucket{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		logger: logger.With().Str("component", "storage").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// HeadObject returns the size and content type of an object.
func (b *Bucket) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("head object %s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}

	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	return info, nil
}

// DeleteObject removes an object. Deleting a missing object succeeds.
func (b *Bucket) DeleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	b.logger.Info().Str("key", key).Msg("object deleted")
	return nil
}
