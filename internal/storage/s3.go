package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for S3 mirroring.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
	Prefix          string // Optional: key prefix for mirrored objects
}

// S3Storage wraps LocalStorage and mirrors outputs to S3.
type S3Storage struct {
	*LocalStorage
	client   *s3.Client
	bucket   string
	region   string
	endpoint string
	prefix   string
}

// NewS3Storage creates a new S3Storage rooted at root.
func NewS3Storage(root string, cfg S3Config) (*S3Storage, error) {
	local, err := NewLocalStorage(root)
	if err != nil {
		return nil, err
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Storage{
		LocalStorage: local,
		client:       s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:       cfg.Bucket,
		region:       cfg.Region,
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		prefix:       strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Mirror uploads data to S3 and returns the object URL.
func (s *S3Storage) Mirror(ctx context.Context, key string, data io.Reader, size int64) (string, error) {
	key = objectKey(s.prefix, key)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   data,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	input.ContentType = aws.String(contentType(key))
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload to S3: %w", err)
	}

	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key), nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

// objectKey joins prefix and key with forward slashes.
func objectKey(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
