package assetstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store implementation used by tests. Objects
// live under fake public URLs of the form mem://<path>.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailUploads, when set, makes Upload report ErrConnectionFailed. Used to
	// simulate the asset-relocation failure path during archival.
	FailUploads bool
}

// NewMemoryStore returns an empty in-memory asset store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func memoryObjectName(pathOrURL string) string {
	trimmed := strings.TrimSpace(pathOrURL)
	trimmed = strings.TrimPrefix(trimmed, "mem://")
	return strings.Trim(trimmed, "/")
}

// Upload implements Store.
func (s *MemoryStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUploads {
		return "", ErrConnectionFailed
	}
	name := memoryObjectName(path)
	if name == "" {
		return "", errors.New("assetstore: object path is required")
	}
	s.objects[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

// Download implements Store.
func (s *MemoryStore) Download(ctx context.Context, pathOrURL string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[memoryObjectName(pathOrURL)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, pathOrURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, memoryObjectName(pathOrURL))
	return nil
}

// Exists reports whether an object currently lives at the path. Test helper.
func (s *MemoryStore) Exists(pathOrURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[memoryObjectName(pathOrURL)]
	return ok
}
