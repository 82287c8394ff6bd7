package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conanrepo/core/lock"
	"github.com/conanrepo/core/storage/memory"
)

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	handle, err := lock.Acquire(ctx, store, "zlib/1.2.11/_/_", time.Hour)
	require.NoError(t, err)

	exists, err := store.Exists(ctx, "zlib/1.2.11/_/_/.lock")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, handle.Release(ctx))

	exists, err = store.Exists(ctx, "zlib/1.2.11/_/_/.lock")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAcquireGivesUpWhenContextExpiresWhileHeld(t *testing.T) {
	store := memory.New()

	_, err := lock.Acquire(context.Background(), store, "zlib/1.2.11/_/_", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = lock.Acquire(ctx, store, "zlib/1.2.11/_/_", time.Hour)
	require.Error(t, err)
	assert.True(t, lock.IsStoreFault(err))
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	_, err := lock.Acquire(ctx, store, "zlib/1.2.11/_/_", -time.Second)
	require.NoError(t, err)

	handle, err := lock.Acquire(ctx, store, "zlib/1.2.11/_/_", time.Hour)
	require.NoError(t, err)
	assert.NoError(t, handle.Release(ctx))
}

func TestWithLockRunsOperationAndReleases(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	ran := false
	err := lock.WithLock(ctx, store, "zlib/1.2.11/_/_", time.Hour, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	exists, err := store.Exists(ctx, "zlib/1.2.11/_/_/.lock")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWithLockReleasesEvenOnOperationError(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	boom := assertError("boom")

	err := lock.WithLock(ctx, store, "zlib/1.2.11/_/_", time.Hour, func() error {
		return boom
	})
	assert.Equal(t, boom, err)

	exists, err := store.Exists(ctx, "zlib/1.2.11/_/_/.lock")
	require.NoError(t, err)
	assert.False(t, exists)
}

type assertError string

func (e assertError) Error() string { return string(e) }
