package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

func newTestMemoryCache(t *testing.T) Cache {
	t.Helper()
	c, err := New(&config.CacheConfig{Type: "memory"}, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMemoryCacheSetGet(t *testing.T) {
	t.Parallel()

	c := newTestMemoryCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "token:abc", []byte("v1"), time.Minute))

	val, err := c.Get(ctx, "token:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestMemoryCacheMiss(t *testing.T) {
	t.Parallel()

	c := newTestMemoryCache(t)

	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()

	c := newTestMemoryCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)

	exists, err := c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryCacheDelete(t *testing.T) {
	t.Parallel()

	c := newTestMemoryCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheUpdateExisting(t *testing.T) {
	t.Parallel()

	c := newTestMemoryCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, c.Set(ctx, "k", []byte("v2"), time.Minute))

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestMemoryCacheKeysByPrefix(t *testing.T) {
	t.Parallel()

	c := newTestMemoryCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "invalidated:t1", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "invalidated:t2", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "oidc:t3", []byte("1"), time.Minute))

	keys, err := c.Keys(ctx, "invalidated:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"invalidated:t1", "invalidated:t2"}, keys)
}

func TestDisabledCache(t *testing.T) {
	t.Parallel()

	c, err := New(&config.CacheConfig{Type: "disabled"}, observability.NopLogger())
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheDisabled)
	assert.ErrorIs(t, c.Set(context.Background(), "k", nil, 0), ErrCacheDisabled)
	assert.NoError(t, c.Close())
}

func TestNewRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(&config.CacheConfig{Type: "memcached"}, observability.NopLogger())
	assert.Error(t, err)
}

func TestNewRejectsNilConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, observability.NopLogger())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
