// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the in-memory key-value store.

package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(10 * time.Millisecond)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryStoreSetGetDel(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "k", "v", 0))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Del(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "short", "v", 30*time.Millisecond))

	got, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	time.Sleep(60 * time.Millisecond)

	_, err = store.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSetNX(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	ok, err := store.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must lose")

	got, _ := store.Get(ctx, "lock")
	assert.Equal(t, "a", got, "losing SetNX must not overwrite")
}

func TestMemoryStoreSetNXAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	ok, err := store.SetNX(ctx, "lock", "a", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = store.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "SetNX must succeed once the holder expired")
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "forever", "v", 0))
	ttl, err := store.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Negative(t, ttl)

	require.NoError(t, store.Set(ctx, "bounded", "v", time.Hour))
	ttl, err = store.TTL(ctx, "bounded")
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)

	_, err = store.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreMGet(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "a", "1", 0))
	require.NoError(t, store.Set(ctx, "c", "3", 0))

	values, err := store.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.NotNil(t, values[0])
	assert.Equal(t, "1", *values[0])
	assert.Nil(t, values[1])
	require.NotNil(t, values[2])
	assert.Equal(t, "3", *values[2])
}

func TestMemoryStoreIncr(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	n, err := store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, store.Set(ctx, "text", "abc", 0))
	_, err = store.Incr(ctx, "text")
	assert.True(t, errors.Is(err, ErrNotInteger))
}

func TestMemoryStoreJanitorSweeps(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Set(ctx, string(rune('a'+i)), "v", 15*time.Millisecond))
	}
	assert.Equal(t, 10, store.Len())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, store.Len(), "janitor should have swept expired entries")
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
