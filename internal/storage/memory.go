package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process. It backs tests and single-binary
// local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Bucket() string {
	return s.bucket
}

func (s *MemoryStore) EnsureBucket(context.Context) error {
	return nil
}

func (s *MemoryStore) PresignedPutURL(_ context.Context, objectKey string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?expires=%d", s.bucket, objectKey, int64(expiry.Seconds())), nil
}

func (s *MemoryStore) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[objectKey]
	return ok, nil
}

func (s *MemoryStore) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStore) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

// ContentType returns the content type an object was written with.
func (s *MemoryStore) ContentType(objectKey string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[objectKey].contentType
}
