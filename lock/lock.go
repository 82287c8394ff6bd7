// Package lock provides a named, TTL-bounded advisory lock backed by a
// storage.Blob: a uniquely tagged blob under "<key>/.lock" that expires.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/conanrepo/core/storage"
)

// DefaultTTL is the lock lifetime used when callers pass a zero TTL.
const DefaultTTL = time.Hour

// ErrStoreFault is returned by Acquire when ctx is done while a live
// holder still keeps the lock. Blob-store errors met while reading or
// writing the sentinel are returned unchanged, not as ErrStoreFault.
var ErrStoreFault = errors.New("store fault")

// IsStoreFault reports whether err is ErrStoreFault.
func IsStoreFault(err error) bool {
	switch err.(type) {
	case nil:
		return false
	}
	return err == ErrStoreFault
}

type sentinel struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

func sentinelKey(key string) string {
	return key + "/.lock"
}

// Handle represents a held lock. Release must be called exactly once.
type Handle struct {
	store    storage.Blob
	key      string
	owner    string
	released bool
}

// pollInterval is how long Acquire waits between attempts while a live
// holder keeps the lock.
const pollInterval = 5 * time.Millisecond

// Acquire takes the lock on key with the given TTL. While a live holder
// keeps the sentinel, Acquire suspends and retries on a short poll
// interval; a holder whose sentinel has expired is stolen on the next
// attempt. Acquire gives up and reports ErrStoreFault only when ctx is
// done.
func Acquire(ctx context.Context, store storage.Blob, key string, ttl time.Duration) (*Handle, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	owner := newOwner()

	for {
		ok, err := tryAcquire(ctx, store, key, owner, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Handle{store: store, key: key, owner: owner}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrStoreFault
		case <-time.After(pollInterval):
		}
	}
}

// tryAcquire checks the sentinel and writes a new one in separate
// Exists/Get/Put calls: storage.Blob has no compare-and-swap, so two
// callers can both observe no live sentinel and both "succeed". This
// lock is advisory, not mutual exclusion; callers whose correctness
// depends on exclusivity (revindex's writeIndex) must tolerate the
// race benignly rather than rely on it.
func tryAcquire(ctx context.Context, store storage.Blob, key, owner string, ttl time.Duration) (bool, error) {
	sk := sentinelKey(key)

	exists, err := store.Exists(ctx, sk)
	if err != nil {
		return false, err
	}
	if exists {
		data, err := store.Get(ctx, sk)
		if err != nil {
			return false, err
		}
		var current sentinel
		if err := json.Unmarshal(data, &current); err != nil {
			return false, err
		}
		if time.Now().Before(current.Expires) {
			return false, nil
		}
	}

	data, err := json.Marshal(sentinel{Owner: owner, Expires: time.Now().Add(ttl)})
	if err != nil {
		return false, err
	}
	if err := store.Put(ctx, sk, data); err != nil {
		return false, err
	}
	return true, nil
}

// Release removes the lock's sentinel blob.
func (h *Handle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	h.released = true
	_, err := h.store.Delete(ctx, sentinelKey(h.key))
	return err
}

// WithLock acquires a lock on key, runs operation, and releases the lock
// before returning.
func WithLock(ctx context.Context, store storage.Blob, key string, ttl time.Duration, operation func() error) error {
	handle, err := Acquire(ctx, store, key, ttl)
	if err != nil {
		return err
	}
	defer handle.Release(ctx)
	return operation()
}

func newOwner() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63())
}
