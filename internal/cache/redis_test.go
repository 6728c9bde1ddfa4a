package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

func newTestRedisCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := New(&config.CacheConfig{
		Type:  "redis",
		TTL:   config.Duration(time.Minute),
		Redis: config.RedisConfig{Address: mr.Addr()},
	}, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisCacheSetGet(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "token:abc", []byte("v1"), time.Minute))

	val, err := c.Get(ctx, "token:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestRedisCacheMiss(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t)

	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheExpiry(t *testing.T) {
	t.Parallel()

	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCacheDeleteAndExists(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "k"))

	exists, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisCacheKeysByPrefix(t *testing.T) {
	t.Parallel()

	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "invalidated:t1", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "invalidated:t2", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "oidc:t3", []byte("1"), time.Minute))

	keys, err := c.Keys(ctx, "invalidated:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"invalidated:t1", "invalidated:t2"}, keys)
}

func TestRedisCacheConnectionFailure(t *testing.T) {
	t.Parallel()

	_, err := New(&config.CacheConfig{
		Type:  "redis",
		Redis: config.RedisConfig{Address: "127.0.0.1:1"},
	}, observability.NopLogger())
	assert.Error(t, err)
}
