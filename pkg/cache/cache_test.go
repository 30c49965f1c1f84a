package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCache(ttl time.Duration) (*Cache[string, int], *time.Time) {
	c := New[string, int](ttl)
	now := time.Now()
	c.mu.Lock()
	c.now = func() time.Time { return now }
	c.mu.Unlock()
	return c, &now
}

func put(c *Cache[string, int], key string, value int) {
	c.SetIfVersion(key, value, c.Version(key))
}

func TestCache_SetGetExpire(t *testing.T) {
	c, now := newTestCache(5 * time.Second)
	defer c.Stop()

	put(c, "a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	*now = now.Add(5 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "item must expire at its TTL")
}

func TestCache_DeleteInvalidatesPendingWriter(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	defer c.Stop()

	v0 := c.Version("k")
	put(c, "k", 1)
	c.Delete("k")

	assert.NotEqual(t, v0, c.Version("k"))
	assert.False(t, c.SetIfVersion("k", 2, v0), "stale writer must lose")
	_, ok := c.Get("k")
	assert.False(t, ok)

	assert.True(t, c.SetIfVersion("k", 3, c.Version("k")))
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestCache_DeleteOfOtherKeyDoesNotBlockWriter(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	defer c.Stop()

	v := c.Version("a")
	c.Delete("b")
	assert.True(t, c.SetIfVersion("a", 1, v))
}

func TestCache_DeleteFunc(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	defer c.Stop()

	put(c, "doc-1/a", 1)
	put(c, "doc-1/b", 2)
	put(c, "doc-2/a", 3)

	removed := c.DeleteFunc(func(k string) bool { return k[:5] == "doc-1" })
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Size())
}

func TestCache_Stats(t *testing.T) {
	c, now := newTestCache(time.Second)
	defer c.Stop()

	put(c, "a", 1)
	*now = now.Add(2 * time.Second)
	put(c, "b", 2)

	stats := c.GetStats()
	assert.Equal(t, 2, stats.TotalKeys)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Size)

	c.purgeExpired()
	assert.Equal(t, 1, c.Size())
}

func TestCache_TombstonesArePruned(t *testing.T) {
	c, now := newTestCache(5 * time.Second)
	defer c.Stop()

	const keys = 10000
	stale := c.Version("k0")
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("k%d", i)
		put(c, key, i)
		c.Delete(key)
	}
	assert.Equal(t, keys, c.GetStats().Tombstones)

	*now = now.Add(5 * time.Second)
	c.purgeExpired()

	stats := c.GetStats()
	assert.Zero(t, stats.Tombstones)
	assert.Zero(t, stats.TotalKeys)
	assert.False(t, c.SetIfVersion("k0", 1, stale), "writer older than a pruned delete must still lose")
	assert.True(t, c.SetIfVersion("k0", 1, c.Version("k0")))
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := New[string, int](time.Second)
	c.Stop()
	c.Stop()
}
