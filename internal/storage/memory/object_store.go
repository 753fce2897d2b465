package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ObjectStore keeps uploaded assets in memory and addresses them under BaseURL.
type ObjectStore struct {
	mu      sync.RWMutex
	baseURL string
	data    map[string][]byte
	types   map[string]string
	// PutErr, when set, fails every Put.
	PutErr error
}

// NewObjectStore creates an in-memory object store. An empty baseURL defaults to
// memory://.
func NewObjectStore(baseURL string) *ObjectStore {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = "memory:/"
	}
	return &ObjectStore{
		baseURL: base,
		data:    make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put stores the content of r under key.
func (s *ObjectStore) Put(_ context.Context, key, contentType string, r io.Reader) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	byteData, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = byteData
	s.types[key] = contentType
	return nil
}

// Exists reports whether key has been stored.
func (s *ObjectStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// URL returns the pseudo URL of key.
func (s *ObjectStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Object returns the stored bytes and content type of key.
func (s *ObjectStore) Object(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	return append([]byte(nil), data...), s.types[key], ok
}

// Len returns the number of stored objects.
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
