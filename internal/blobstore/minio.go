package blobstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig holds configuration for the S3-compatible blob store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// URLExpiry is the lifetime of presigned GET URLs.
	URLExpiry time.Duration
}

// Validate validates the configuration.
func (c MinIOConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket required")
	}
	return nil
}

// MinIOStore is a Store backed by an S3-compatible object store.
type MinIOStore struct {
	client *minio.Client
	config MinIOConfig
	logger *zap.Logger
}

// NewMinIOStore creates the client and ensures the bucket exists.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.URLExpiry == 0 {
		cfg.URLExpiry = time.Hour
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobUnavailable, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobUnavailable, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created blob bucket", zap.String("bucket", cfg.Bucket))
	}

	return &MinIOStore{client: client, config: cfg, logger: logger}, nil
}

// Put stores an object at the content-addressed path.
func (s *MinIOStore) Put(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) error {
	if err := ValidatePath(objectPath); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.config.Bucket, objectPath, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrBlobUnavailable, objectPath, err)
	}
	return nil
}

// URLFor mints a presigned GET URL for the object.
func (s *MinIOStore) URLFor(ctx context.Context, objectPath string) (string, error) {
	if err := ValidatePath(objectPath); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.config.Bucket, objectPath, s.config.URLExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", ErrBlobUnavailable, objectPath, err)
	}
	return u.String(), nil
}

// Delete removes the object. Missing objects are ignored.
func (s *MinIOStore) Delete(ctx context.Context, objectPath string) error {
	if err := ValidatePath(objectPath); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, s.config.Bucket, objectPath, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrBlobUnavailable, objectPath, err)
	}
	return nil
}

// Ensure MinIOStore implements Store.
var _ Store = (*MinIOStore)(nil)
