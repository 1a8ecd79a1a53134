package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and local runs
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
	writes  int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string][]byte)}
}

// Bucket returns the bucket name used in URIs
func (s *MemoryStore) Bucket() string {
	return s.bucket
}

// Put stores a copy of data unless key is already present
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; !ok {
		s.objects[key] = append([]byte(nil), data...)
		s.writes++
	}
	return URI(s.bucket, key), nil
}

// Get returns a copy of the object behind uri
func (s *MemoryStore) Get(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if bucket != s.bucket {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether key is stored
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Keys returns the number of stored objects
func (s *MemoryStore) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Writes returns how many Put calls actually stored bytes
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
