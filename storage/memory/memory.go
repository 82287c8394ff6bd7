// Package memory provides an in-memory storage.Blob implementation, used
// by tests that would otherwise need a disk-backed fixture tree.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conanrepo/core/storage"
)

type entry struct {
	data     []byte
	modified time.Time
}

// Store is a goroutine-safe, in-memory storage.Blob.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: map[string]entry{}}
}

// List implements storage.Blob.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists implements storage.Blob.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[key]
	return ok, nil
}

// Get implements storage.Blob.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

// Open implements storage.Blob.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, time.Time{}, err
	}

	s.mu.RLock()
	modified := s.entries[key].modified
	s.mu.RUnlock()

	return io.NopCloser(bytes.NewReader(data)), modified, nil
}

// Put implements storage.Blob.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	s.entries[key] = entry{data: cp, modified: time.Now()}
	return nil
}

// Delete implements storage.Blob.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

// Move implements storage.Blob.
func (s *Store) Move(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[src]
	if !ok {
		return storage.ErrKeyNotFound
	}
	s.entries[dst] = e
	delete(s.entries, src)
	return nil
}
