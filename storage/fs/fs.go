// Package fs provides a filesystem-backed storage.Blob implementation.
package fs

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conanrepo/core/storage"
)

// Store stores every blob as a regular file beneath root, with the key as
// the file's path relative to root.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory is created if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, key)
}

// List implements storage.Blob.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(path, s.root+string(filepath.Separator))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Exists implements storage.Blob.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get implements storage.Blob.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	data, err := ioutil.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

// Open implements storage.Blob.
func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, time.Time, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, storage.ErrKeyNotFound
		}
		return nil, time.Time{}, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, time.Time{}, err
	}
	return f, stat.ModTime(), nil
}

// Put implements storage.Blob. Content is written to a temporary file in
// the same directory and renamed into place, so readers never observe a
// partially written blob.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	destination := s.path(key)

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}

	tmp, err := ioutil.TempFile(filepath.Dir(destination), "pending-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), destination)
}

// Delete implements storage.Blob.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Move implements storage.Blob.
func (s *Store) Move(_ context.Context, src, dst string) error {
	destination := s.path(dst)
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	return os.Rename(s.path(src), destination)
}
