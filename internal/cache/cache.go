// ABOUTME: In-memory TTL cache for registry API responses to reduce upstream calls.
// ABOUTME: Distinct TTLs per entry let mutable and immutable resources age differently.

package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type entry struct {
	body      []byte
	expiresAt time.Time
}

// ResponseCache is a URL-keyed byte cache with per-entry TTLs. Tag-addressed
// manifests are cached briefly; digest-addressed ones effectively forever.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *logrus.Logger
	done    chan struct{}
}

// New creates a ResponseCache and starts its cleanup loop.
func New(logger *logrus.Logger) *ResponseCache {
	c := &ResponseCache{
		entries: make(map[string]*entry),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.startCleanup()
	return c
}

// Get returns the cached body for a key, or nil when absent or expired.
func (c *ResponseCache) Get(key string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(e.expiresAt) {
		// expired entries are swept by cleanup; avoid a write lock here
		return nil
	}
	c.logger.WithField("key", key).Debug("Cache hit")
	return e.body
}

// Set stores a body under the key for the given TTL.
func (c *ResponseCache) Set(key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = &entry{body: body, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	c.logger.WithField("key", key).Debug("Cached response")
}

// Close stops the cleanup loop.
func (c *ResponseCache) Close() {
	close(c.done)
}

func (c *ResponseCache) startCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *ResponseCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			expired++
		}
	}
	if expired > 0 {
		c.logger.WithFields(logrus.Fields{
			"expired_entries":   expired,
			"remaining_entries": len(c.entries),
		}).Debug("Cache cleanup completed")
	}
}

// Stats reports total and expired entry counts.
func (c *ResponseCache) Stats() (total int, expired int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	total = len(c.entries)
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			expired++
		}
	}
	return total, expired
}
