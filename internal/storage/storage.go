package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConfigured is returned when photo storage has no bucket.
var ErrNotConfigured = errors.New("photo storage not configured")

// UploadOptions conveys upload destination metadata.
type UploadOptions struct {
	Bucket string
	Key    string
}

// Service stores user photos in remote object storage.
type Service interface {
	UploadFile(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// Location renders the s3:// URI of an object.
func Location(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.TrimPrefix(key, "/"))
}

// ParseLocation returns the object key of an s3:// URI inside bucket.
func ParseLocation(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	if len(parts) == 1 || strings.Trim(parts[1], "/") == "" {
		return "", fmt.Errorf("s3 key missing")
	}
	return strings.TrimPrefix(parts[1], "/"), nil
}
