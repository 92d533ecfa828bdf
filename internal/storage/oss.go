package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// OSSStore stores objects in an Aliyun OSS bucket.
// Endpoint looks like oss-cn-hangzhou.aliyuncs.com.
type OSSStore struct {
	client     *oss.Client
	bucket     *oss.Bucket
	bucketName string
}

func NewOSSStore(cfg Config) (*OSSStore, error) {
	endpoint := cfg.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "http://"
		if cfg.UseSSL {
			scheme = "https://"
		}
		endpoint = scheme + endpoint
	}

	client, err := oss.New(endpoint, cfg.Access, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("create oss client: %w", err)
	}
	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket %s: %w", cfg.Bucket, err)
	}

	return &OSSStore{
		client:     client,
		bucket:     bucket,
		bucketName: cfg.Bucket,
	}, nil
}

func (s *OSSStore) Bucket() string {
	return s.bucketName
}

func (s *OSSStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.IsBucketExist(s.bucketName)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.CreateBucket(s.bucketName, oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucketName, err)
	}
	return nil
}

func (s *OSSStore) PresignedPutURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	seconds := int64(expiry.Seconds())
	if seconds <= 0 {
		seconds = 3600
	}
	url, err := s.bucket.SignURL(ossKey(objectKey), oss.HTTPPut, seconds)
	if err != nil {
		return "", fmt.Errorf("presign put object: %w", err)
	}
	return url, nil
}

func (s *OSSStore) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	exists, err := s.bucket.IsObjectExist(ossKey(objectKey))
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	return exists, nil
}

func (s *OSSStore) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	body, err := s.bucket.GetObject(ossKey(objectKey), oss.WithContext(ctx))
	if err != nil {
		if svcErr, ok := err.(oss.ServiceError); ok && svcErr.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
		}
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	return data, nil
}

func (s *OSSStore) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	err := s.bucket.PutObject(
		ossKey(objectKey),
		bytes.NewReader(data),
		oss.ContentType(contentType),
		oss.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// ossKey strips the leading slash OSS would otherwise keep as an empty folder.
func ossKey(objectKey string) string {
	return strings.TrimPrefix(objectKey, "/")
}
