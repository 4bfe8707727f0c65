// Package cache memoizes query results keyed by a version-embedding
// fingerprint, so an ingest invalidates stale entries without a sweep.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fingerprint derives a cache key from the user, the normalized query text,
// the corpus version the computation ran against, and any mode-relevant
// parameters. Embedding the version makes entries for older versions
// unreachable after an ingest.
func Fingerprint(userID, query string, version uint64, params ...string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", userID, normalized, version)
	for _, p := range params {
		fmt.Fprintf(h, "\x00%s", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type item struct {
	value     any
	expiresAt time.Time
}

// Cache is an in-memory TTL cache. Concurrent identical computations may both
// write; last write wins.
type Cache struct {
	mu    sync.RWMutex
	items map[string]item
	ttl   time.Duration
}

// New creates a cache with the given default TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]item),
		ttl:   ttl,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(it.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another Put may have refreshed it.
		if current, still := c.items[key]; still && time.Now().After(current.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return it.value, true
}

// Put stores value under key with the default TTL.
func (c *Cache) Put(key string, value any) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL stores value under key with an explicit TTL.
func (c *Cache) PutTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = item{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Len returns the number of entries, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// StartSweeper removes expired entries periodically until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(time.Now())
			}
		}
	}()
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, key)
		}
	}
}
