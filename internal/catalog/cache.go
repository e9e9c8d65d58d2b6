package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/prometheus/client_golang/prometheus"
)

const cacheName = "catalog"

// Cache is a read-through cache for the hot catalog reads on the widget
// path. It is constructed once per process and injected, so tests can build
// their own and reset it between cases.
type Cache struct {
	cache  *bigcache.BigCache
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewCache builds a Cache with a bounded memory footprint. The hit/miss
// counters are optional.
func NewCache(ttl time.Duration, hits, misses *prometheus.CounterVec) (*Cache, error) {
	cacheConfig := bigcache.DefaultConfig(ttl)
	cacheConfig.MaxEntrySize = 256 * 1024 // campaigns are small JSON documents
	cacheConfig.HardMaxCacheSize = 32     // MB
	cacheConfig.Shards = 64

	cache, err := bigcache.New(context.Background(), cacheConfig)
	if err != nil {
		return nil, err
	}

	return &Cache{cache: cache, hits: hits, misses: misses}, nil
}

// Get unmarshals the cached entry into out and reports whether it was found.
func (c *Cache) Get(key string, out interface{}) bool {
	data, err := c.cache.Get(key)
	if err != nil {
		if c.misses != nil {
			c.misses.WithLabelValues(cacheName).Inc()
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		// A corrupt entry behaves like a miss; the caller refreshes it.
		c.cache.Delete(key)
		return false
	}
	if c.hits != nil {
		c.hits.WithLabelValues(cacheName).Inc()
	}
	return true
}

// Set stores the JSON encoding of value under key, best effort.
func (c *Cache) Set(key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.cache.Set(key, data)
}

// Invalidate drops key from the cache.
func (c *Cache) Invalidate(key string) {
	c.cache.Delete(key)
}

// Reset clears the whole cache.
func (c *Cache) Reset() error {
	return c.cache.Reset()
}
