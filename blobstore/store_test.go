package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Has(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "nodes/aa", []byte("alpha")))
	require.NoError(t, store.Put(ctx, "nodes/bb", []byte("beta")))
	require.NoError(t, store.Put(ctx, "other/cc", []byte("gamma")))

	data, err := store.Get(ctx, "nodes/aa")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)

	ok, err = store.Has(ctx, "nodes/bb")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.List(ctx, "nodes/")
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes/aa", "nodes/bb"}, names)

	require.NoError(t, store.Delete(ctx, "nodes/aa"))
	_, err = store.Get(ctx, "nodes/aa")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing blob is not an error.
	assert.NoError(t, store.Delete(ctx, "nodes/aa"))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "x", []byte{1, 2, 3}))

	data, err := store.Get(ctx, "x")
	require.NoError(t, err)
	data[0] = 99

	again, err := store.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again)
}

func TestThrottledStore_LimitsWrites(t *testing.T) {
	ctx := context.Background()
	store := NewThrottledStore(NewMemoryStore(), 100, 1)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, "x", []byte{byte(i)}))
	}
	// 5 writes at 100/s with burst 1 need at least ~40ms.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)

	// Reads are not throttled.
	_, err := store.Get(ctx, "x")
	require.NoError(t, err)
}

func TestThrottledStore_ContextCancel(t *testing.T) {
	store := NewThrottledStore(NewMemoryStore(), 0.001, 1)
	require.NoError(t, store.Put(context.Background(), "x", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.Put(ctx, "y", nil)
	assert.Error(t, err)
}
