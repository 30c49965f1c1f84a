package cache

import (
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item[V any] struct {
	Value     V
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired checks if the cache item has expired
func (item *Item[V]) IsExpired(now time.Time) bool {
	return !now.Before(item.ExpiresAt)
}

type tombstone struct {
	generation uint64
	at         time.Time
}

// Cache is a thread-safe in-memory cache with TTL support.
//
// Deletes advance a cache-wide generation and leave a tombstone for the key.
// A writer that read Version before doing slow work uses SetIfVersion, which
// refuses the write if the key was deleted since. Tombstones older than the
// retention are pruned; the generation they carried becomes a floor below
// which every SetIfVersion is refused.
type Cache[K comparable, V any] struct {
	mu              sync.RWMutex
	items           map[K]*Item[V]
	tombstones      map[K]tombstone
	generation      uint64
	floor           uint64
	defaultTTL      time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// New creates a new cache with default TTL. Tombstones are kept for one TTL.
func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		items:           make(map[K]*Item[V]),
		tombstones:      make(map[K]tombstone),
		defaultTTL:      defaultTTL,
		retention:       defaultTTL,
		cleanupInterval: defaultTTL,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	if c.cleanupInterval < time.Second {
		c.cleanupInterval = time.Second
	}

	go c.cleanup()

	return c
}

// SetRetention sets how long deletes are remembered individually. It should
// exceed the longest time a writer holds a version.
func (c *Cache[K, V]) SetRetention(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retention = d
}

// Get retrieves a value from cache
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	item, exists := c.items[key]
	if !exists || item.IsExpired(c.now()) {
		return zero, false
	}
	return item.Value, true
}

// Version returns a stamp to pass to SetIfVersion. key is unused; the
// stamp is the current generation of the whole cache.
func (c *Cache[K, V]) Version(key K) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// SetIfVersion stores value with the default TTL unless key was deleted
// after version was read. Reports whether the value was stored.
func (c *Cache[K, V]) SetIfVersion(key K, value V, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version < c.floor {
		return false
	}
	if ts, ok := c.tombstones[key]; ok && ts.generation > version {
		return false
	}

	now := c.now()
	c.items[key] = &Item[V]{
		Value:     value,
		ExpiresAt: now.Add(c.defaultTTL),
		CreatedAt: now,
	}
	return true
}

// Delete removes a key from cache and invalidates pending writers of it.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bury(key)
}

// DeleteFunc removes every cached key for which match returns true.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.items {
		if match(key) {
			c.bury(key)
			removed++
		}
	}
	return removed
}

// bury must be called with mu held.
func (c *Cache[K, V]) bury(key K) {
	delete(c.items, key)
	c.generation++
	c.tombstones[key] = tombstone{generation: c.generation, at: c.now()}
}

// purgeExpired removes expired items and tombstones past the retention.
func (c *Cache[K, V]) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if item.IsExpired(now) {
			delete(c.items, key)
		}
	}
	for key, ts := range c.tombstones {
		if now.Sub(ts.at) >= c.retention {
			delete(c.tombstones, key)
			if ts.generation > c.floor {
				c.floor = ts.generation
			}
		}
	}
}

// cleanup periodically removes expired items
func (c *Cache[K, V]) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// Size returns the number of items in cache
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats holds cache statistics
type Stats struct {
	Size       int `json:"size"`
	Expired    int `json:"expired"`
	TotalKeys  int `json:"total_keys"`
	Tombstones int `json:"tombstones"`
}

// GetStats returns cache statistics
func (c *Cache[K, V]) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		TotalKeys:  len(c.items),
		Tombstones: len(c.tombstones),
	}

	now := c.now()
	for _, item := range c.items {
		if item.IsExpired(now) {
			stats.Expired++
		}
	}

	stats.Size = stats.TotalKeys - stats.Expired
	return stats
}
