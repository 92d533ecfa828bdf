// Package storage moves source and enhanced images in and out of object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderMinio = "minio"
	ProviderOSS   = "oss"
)

var ErrObjectNotFound = errors.New("object not found")

type Config struct {
	Provider string
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	// Region skips the minio bucket location lookup when set.
	Region string
	UseSSL bool
}

// Store is the object storage surface used by the api and worker.
type Store interface {
	Bucket() string
	EnsureBucket(ctx context.Context) error
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// New builds the Store for cfg.Provider. An empty provider selects minio.
func New(cfg Config) (Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderMinio:
		return NewMinioStore(cfg)
	case ProviderOSS:
		return NewOSSStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}
