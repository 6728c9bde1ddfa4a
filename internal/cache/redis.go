package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

const redisKeyPrefix = "mfgateway:"

// redisCache implements a Redis-based cache. Client-level retries are
// handled by go-redis itself (MaxRetries).
type redisCache struct {
	logger     observability.Logger
	client     *redis.Client
	defaultTTL time.Duration
}

func newRedisCache(cfg *config.CacheConfig, logger observability.Logger) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Redis.Address,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: 3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	c := &redisCache{
		logger:     logger,
		client:     client,
		defaultTTL: cfg.TTL.Duration(),
	}

	logger.Info("redis cache initialized",
		observability.String("address", cfg.Redis.Address),
		observability.Duration("defaultTTL", c.defaultTTL))

	return c, nil
}

// Get retrieves a value from the cache.
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "get",
		).Observe(time.Since(start).Seconds())
	}()

	val, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == nil {
		GetMetrics().hitsTotal.WithLabelValues("redis").Inc()
		return val, nil
	}

	if errors.Is(err, redis.Nil) {
		GetMetrics().missesTotal.WithLabelValues("redis").Inc()
		return nil, ErrCacheMiss
	}

	GetMetrics().errorsTotal.WithLabelValues("redis", "get").Inc()
	c.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err))
	return nil, err
}

// Set stores a value in the cache.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"redis", "set",
		).Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	if err := c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		GetMetrics().errorsTotal.WithLabelValues("redis", "set").Inc()
		c.logger.Error("redis set failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}

	return nil
}

// Delete removes a value from the cache.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		GetMetrics().errorsTotal.WithLabelValues("redis", "delete").Inc()
		c.logger.Error("redis delete failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}

	return nil
}

// Exists checks if a key exists in the cache.
func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		GetMetrics().errorsTotal.WithLabelValues("redis", "exists").Inc()
		return false, err
	}

	return n > 0, nil
}

// Keys returns the keys under the given prefix using SCAN.
func (c *redisCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		GetMetrics().errorsTotal.WithLabelValues("redis", "keys").Inc()
		return nil, err
	}

	return keys, nil
}

// Close closes the Redis connection.
func (c *redisCache) Close() error {
	return c.client.Close()
}
