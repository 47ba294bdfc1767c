package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockStore_AcquireAndRelease(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewLockStore(client)
	ctx := context.Background()

	release, ok, err := store.Acquire(ctx, "delivery:p-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, s.Exists("lock:delivery:p-1"))

	_, ok, err = store.Acquire(ctx, "delivery:p-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not get the lock")

	require.NoError(t, release(ctx))
	assert.False(t, s.Exists("lock:delivery:p-1"))

	_, ok, err = store.Acquire(ctx, "delivery:p-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock is free after release")
}

func TestLockStore_ExpiresAfterTTL(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewLockStore(client)
	ctx := context.Background()

	_, ok, err := store.Acquire(ctx, "delivery:p-2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(2 * time.Second)

	_, ok, err = store.Acquire(ctx, "delivery:p-2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockStore_StaleReleaseKeepsNewOwner(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewLockStore(client)
	ctx := context.Background()

	staleRelease, ok, err := store.Acquire(ctx, "delivery:p-3", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(2 * time.Second)

	_, ok, err = store.Acquire(ctx, "delivery:p-3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleRelease(ctx))
	assert.True(t, s.Exists("lock:delivery:p-3"), "expired owner must not release the new lock")
}

func TestLockStore_RedisDown(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewLockStore(client)
	s.Close()

	_, ok, err := store.Acquire(context.Background(), "delivery:p-4", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}
