package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type blob struct {
	contentType string
	data        []byte
}

// BlobStore stores uploaded artifacts in memory and returns pseudo URIs.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = blob{contentType: contentType, data: append([]byte(nil), data...)}
	return fmt.Sprintf("memory://%s", path), nil
}

// GetObject reads the content back by path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, "", errors.New("object not found")
	}
	return append([]byte(nil), b.data...), b.contentType, nil
}
