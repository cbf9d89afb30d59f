package proxy

import (
	"net/http"
	"sync"
)

// CachedResponse is one stored upstream response.
type CachedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Cache holds successful cacheable static-asset responses keyed by
// method+host+path. There is no TTL; the cache empties only on restart.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
}

// NewCache creates an empty response cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*CachedResponse)}
}

func cacheKey(method, host, path string) string {
	return method + " " + host + path
}

// Get returns the cached response for method+host+path, if present.
func (c *Cache) Get(method, host, path string) (*CachedResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[cacheKey(method, host, path)]
	return entry, ok
}

// Put stores a response. Callers only cache 200s for static assets.
func (c *Cache) Put(method, host, path string, status int, header http.Header, body []byte) {
	entry := &CachedResponse{Status: status, Header: header.Clone(), Body: body}
	c.mu.Lock()
	c.entries[cacheKey(method, host, path)] = entry
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
