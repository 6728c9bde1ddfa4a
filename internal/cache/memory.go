package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

const memoryMaxEntries = 10000

// memoryCache implements an in-memory LRU cache with TTL expiry.
type memoryCache struct {
	logger     observability.Logger
	maxEntries int
	defaultTTL time.Duration

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	stopCh chan struct{}
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func newMemoryCache(cfg *config.CacheConfig, logger observability.Logger) *memoryCache {
	c := &memoryCache{
		logger:     logger,
		maxEntries: memoryMaxEntries,
		defaultTTL: cfg.TTL.Duration(),
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
	}

	go c.cleanupLoop()

	logger.Info("memory cache initialized",
		observability.Duration("defaultTTL", c.defaultTTL))

	return c
}

// Get retrieves a value from the cache.
func (c *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"memory", "get",
		).Observe(time.Since(start).Seconds())
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		GetMetrics().missesTotal.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		GetMetrics().missesTotal.WithLabelValues("memory").Inc()
		return nil, ErrCacheMiss
	}

	c.eviction.MoveToFront(elem)
	GetMetrics().hitsTotal.WithLabelValues("memory").Inc()

	return entry.value, nil
}

// Set stores a value in the cache.
func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"memory", "set",
		).Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	entry := &memoryEntry{key: key, value: value, expiresAt: expiresAt}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.eviction.MoveToFront(elem)
		elem.Value = entry
		return nil
	}

	elem := c.eviction.PushFront(entry)
	c.items[key] = elem

	for c.eviction.Len() > c.maxEntries {
		c.evictOldest()
	}

	GetMetrics().sizeGauge.WithLabelValues("memory").Set(float64(c.eviction.Len()))

	return nil
}

// Delete removes a value from the cache.
func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}

	return nil
}

// Exists checks if a key exists in the cache.
func (c *memoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		return false, nil
	}

	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return false, nil
	}

	return true, nil
}

// Keys returns the unexpired keys under the given prefix.
func (c *memoryCache) Keys(_ context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var keys []string
	for key, elem := range c.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry := elem.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// Close stops the cleanup goroutine and drops all entries.
func (c *memoryCache) Close() error {
	close(c.stopCh)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()

	return nil
}

// evictOldest removes the oldest entry. Must be called with lock held.
func (c *memoryCache) evictOldest() {
	elem := c.eviction.Back()
	if elem != nil {
		c.removeElement(elem)
		GetMetrics().evictionsTotal.WithLabelValues("memory").Inc()
	}
}

// removeElement removes an element. Must be called with lock held.
func (c *memoryCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(c.items, entry.key)
}

func (c *memoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

// cleanup removes expired entries under a single write lock.
func (c *memoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := c.eviction.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		c.removeElement(elem)
	}

	if len(toRemove) > 0 {
		c.logger.Debug("cache cleanup completed",
			observability.Int("removed", len(toRemove)))
	}
}
