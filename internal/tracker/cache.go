package tracker

import (
	"sync"
	"time"
)

// cacheTTL is how long a GET response stays servable from cache.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	body    []byte
	expires time.Time
}

// responseCache is a TTL cache for GET responses, keyed by (endpoint, args).
// Shared across every repository using the same token so a burst of webhooks
// for one issue costs a single fetch.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newResponseCache() *responseCache {
	return &responseCache{entries: make(map[string]cacheEntry)}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		if ok {
			delete(c.entries, key)
		}
		return nil, false
	}
	return e.body, true
}

func (c *responseCache) put(key string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{body: body, expires: time.Now().Add(cacheTTL)}
}

// invalidatePrefix drops every entry whose key starts with prefix.
// Called after writes that make cached reads stale (e.g. createComment
// invalidates the issue's comment list).
func (c *responseCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// sweep evicts expired entries. Called by the shared sweeper.
func (c *responseCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
