// Package storage defines the abstract blob store the repository core
// consumes. Concrete backends live in storage/fs and storage/memory.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Errors returned by Blob implementations for missing keys.
var (
	ErrKeyNotFound = errors.New("key not found")
)

// IsKeyNotFound reports whether err is ErrKeyNotFound.
func IsKeyNotFound(err error) bool {
	switch err.(type) {
	case nil:
		return false
	}
	return err == ErrKeyNotFound
}

// Blob is a byte-addressable key/value store. Every method is a suspension
// point: implementations may block on I/O, and callers pass a context to
// allow cancellation.
type Blob interface {
	// List returns every key beneath prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the full contents of key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Open returns a reader over the contents of key along with its
	// last-modified time, for handlers that want to stream rather than
	// buffer (e.g. the generic GET-file route).
	Open(ctx context.Context, key string) (io.ReadCloser, time.Time, error)

	// Put stores data under key, replacing any prior content.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. It reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Move renames src to dst. Used by the revision indexer to make the
	// revisions.txt rewrite atomic: write to a temporary key, then Move
	// it over the real one.
	Move(ctx context.Context, src, dst string) error
}
