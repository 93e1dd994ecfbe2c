package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioUploader stores blobs in an S3-compatible bucket.
type MinioUploader struct {
	client   *minio.Client
	endpoint string
	bucket   string
	secure   bool
}

// MinioConfig configures the S3-compatible uploader.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// NewMinioUploader creates an uploader against an S3-compatible endpoint.
func NewMinioUploader(config MinioConfig) (*MinioUploader, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &MinioUploader{
		client:   client,
		endpoint: config.Endpoint,
		bucket:   config.Bucket,
		secure:   config.Secure,
	}, nil
}

// Put implements Uploader.
func (u *MinioUploader) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, u.bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}

	scheme := "http"
	if u.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, u.endpoint, u.bucket, path), nil
}
