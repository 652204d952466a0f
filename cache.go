package cortex

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

// CacheEntry is one cached idempotent response.
type CacheEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cachedAt"`
	TTL      time.Duration   `json:"ttl"`
}

func (e CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.CachedAt) > e.TTL
}

// ResponseCache is a time-boxed cache of idempotent responses, consulted
// when the client is offline. Single writer (the fetch path), many
// readers. Entries are evicted lazily on read and swept periodically;
// state persists to the store on every mutation.
type ResponseCache struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]CacheEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewResponseCache creates a cache backed by the given store. A persisted
// record that fails to parse is discarded and wiped.
func NewResponseCache(store Store, logger *slog.Logger) *ResponseCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ResponseCache{
		store:   store,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]CacheEntry),
		stopCh:  make(chan struct{}),
	}
	c.load()
	return c
}

func (c *ResponseCache) load() {
	data, err := c.store.Read(recordCache)
	if err != nil {
		c.logger.Warn("response cache: read persisted record", "error", err)
		return
	}
	if data == nil {
		return
	}
	var entries map[string]CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("response cache: corrupted record discarded", "error", err)
		if err := c.store.Delete(recordCache); err != nil {
			c.logger.Warn("response cache: wipe corrupted record", "error", err)
		}
		return
	}
	c.entries = entries
}

func (c *ResponseCache) persistLocked() {
	data, err := json.Marshal(c.entries)
	if err != nil {
		c.logger.Warn("response cache: marshal record", "error", err)
		return
	}
	if err := c.store.Write(recordCache, data); err != nil {
		c.logger.Warn("response cache: persist record", "error", err)
	}
}

// Set caches a value under the given key for ttl.
func (c *ResponseCache) Set(key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = CacheEntry{
		Key:      key,
		Value:    value,
		CachedAt: c.now(),
		TTL:      ttl,
	}
	c.persistLocked()
	c.mu.Unlock()
}

// Get returns the cached value, or nil on miss or expiry. Expired entries
// are evicted lazily.
func (c *ResponseCache) Get(key string) json.RawMessage {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if entry.expired(c.now()) {
		c.mu.Lock()
		delete(c.entries, key)
		c.persistLocked()
		c.mu.Unlock()
		return nil
	}
	return entry.Value
}

// Invalidate removes a single entry.
func (c *ResponseCache) Invalidate(key string) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.persistLocked()
	}
	c.mu.Unlock()
}

// Len returns the number of live entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartSweep begins periodic eviction of expired entries. interval <= 0
// uses the default.
func (c *ResponseCache) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop halts the background sweep.
func (c *ResponseCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *ResponseCache) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.persistLocked()
	}
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Debug("response cache: swept expired entries", "removed", removed)
	}
}

// cacheKey derives the logical request identity for a read: method, path,
// and sorted query parameters.
func cacheKey(method, path string, query map[string]string) string {
	if len(query) == 0 {
		return method + " " + path
	}
	params := url.Values{}
	for k, v := range query {
		params.Set(k, v)
	}
	// Encode sorts by key, so the identity is stable across map ordering.
	return method + " " + path + "?" + params.Encode()
}
