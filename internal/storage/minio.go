package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds the configuration for MinIO mirroring.
type MinIOConfig struct {
	Endpoint  string // host:port, without scheme
	Region    string // Optional: defaults to us-east-1
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string // Optional: key prefix for mirrored objects
}

// MinIOStorage wraps LocalStorage and mirrors outputs to a MinIO-compatible store.
type MinIOStorage struct {
	*LocalStorage
	client  *minio.Client
	bucket  string
	baseURL string
	prefix  string
}

// NewMinIOStorage creates a new MinIOStorage rooted at root.
// If the bucket does not exist, it is created.
func NewMinIOStorage(ctx context.Context, root string, cfg MinIOConfig) (*MinIOStorage, error) {
	local, err := NewLocalStorage(root)
	if err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	return &MinIOStorage{
		LocalStorage: local,
		client:       client,
		bucket:       cfg.Bucket,
		baseURL:      fmt.Sprintf("%s://%s/%s", scheme, strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket),
		prefix:       strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Mirror uploads data to the bucket and returns the object URL.
func (s *MinIOStorage) Mirror(ctx context.Context, key string, data io.Reader, size int64) (string, error) {
	key = objectKey(s.prefix, key)

	if _, err := s.client.PutObject(ctx, s.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: contentType(key),
	}); err != nil {
		return "", fmt.Errorf("upload to minio: %w", err)
	}
	return s.baseURL + "/" + key, nil
}
