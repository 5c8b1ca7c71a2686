package cache

import (
	"hash/fnv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache holds rendered playlist text keyed by filter so repeated playlist
// requests do not re-project the registry. Entries expire after the
// configured TTL and are dropped wholesale whenever an import or admin
// mutation changes the registry.
type Cache struct {
	cache    *ristretto.Cache[uint64, string]
	duration time.Duration
}

// New creates a playlist cache with the given entry TTL.
func New(duration time.Duration) *Cache {
	c, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 1000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &Cache{
		cache:    c,
		duration: duration,
	}
}

// GetPlaylist returns the cached playlist for a key, if present and fresh.
func (c *Cache) GetPlaylist(key string) (string, bool) {
	return c.cache.Get(hashKey(key))
}

// SetPlaylist stores a rendered playlist under the key with the cache TTL.
func (c *Cache) SetPlaylist(key, value string) {
	c.cache.SetWithTTL(hashKey(key), value, int64(len(value)), c.duration)
	c.cache.Wait()
}

// Invalidate drops everything, used after registry mutations so stale
// playlists never outlive a channel update.
func (c *Cache) Invalidate() {
	c.cache.Clear()
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
