// Package resultcache is a process-local, content-addressed cache for prior
// analysis results. Keys are caller-computed fingerprints; values expire
// after a TTL and are pruned by a periodic sweep.
package resultcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"toolgate/internal/async"
	"toolgate/internal/logging"
)

const (
	defaultMaxSize       = 1024
	defaultTTL           = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

// Config controls cache capacity and expiry.
type Config struct {
	MaxSize       int
	TTL           time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{
		MaxSize:       defaultMaxSize,
		TTL:           defaultTTL,
		SweepInterval: defaultSweepInterval,
	}
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache maps fingerprint → {value, expires_at}. A single mutex guards all
// operations; expected volume is modest.
type Cache struct {
	mu      sync.Mutex
	backing *lru.Cache[string, entry]
	ttl     time.Duration
	sweep   time.Duration
	logger  logging.Logger
}

// New builds a cache, falling back to defaults for zero config values.
func New(config Config, logger logging.Logger) *Cache {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	backing, err := lru.New[string, entry](config.MaxSize)
	if err != nil {
		// lru.New only errors on non-positive size, guarded above.
		panic(err)
	}
	return &Cache{
		backing: backing,
		ttl:     config.TTL,
		sweep:   config.SweepInterval,
		logger:  logging.OrNop(logger),
	}
}

// Get returns the cached value when present and unexpired. Expired entries
// are evicted on access so the LRU bookkeeping stays clean.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.backing.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.backing.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttl uses the cache default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
}

// Delete removes one key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Remove(key)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Purge()
}

// Len reports the number of live entries, expired ones included until the
// next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing.Len()
}

// SweepExpired removes every expired entry and reports how many went.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for _, key := range c.backing.Keys() {
		if e, ok := c.backing.Peek(key); ok && now.After(e.expiresAt) {
			c.backing.Remove(key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs SweepExpired on the configured interval until ctx ends.
func (c *Cache) StartSweeper(ctx context.Context) {
	async.Go(c.logger, "resultcache.sweeper", func() {
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.SweepExpired(); n > 0 {
					c.logger.Debug("swept %d expired cache entries", n)
				}
			}
		}
	})
}
