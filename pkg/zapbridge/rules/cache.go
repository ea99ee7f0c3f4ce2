package rules

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a loaded snapshot is served before a reload.
const DefaultTTL = 4 * time.Second

// Loader reads a fresh RuntimeConfig from the datastore.
type Loader interface {
	Load(ctx context.Context) (*RuntimeConfig, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) (*RuntimeConfig, error)

// Load calls f(ctx).
func (f LoaderFunc) Load(ctx context.Context) (*RuntimeConfig, error) { return f(ctx) }

// ConfigCache serves RuntimeConfig snapshots for at most ttl after they were
// loaded. Reloads happen synchronously on the calling goroutine and only one
// reload runs at a time.
type ConfigCache struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	current  *RuntimeConfig
	loadedAt time.Time
}

// CacheOption configures a ConfigCache.
type CacheOption func(*ConfigCache)

// WithClock replaces the wall clock used for TTL checks.
func WithClock(now func() time.Time) CacheOption {
	return func(c *ConfigCache) { c.now = now }
}

// NewConfigCache creates a cache in front of loader. A non-positive ttl
// selects DefaultTTL.
func NewConfigCache(loader Loader, ttl time.Duration, opts ...CacheOption) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &ConfigCache{loader: loader, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached snapshot while it is younger than the TTL and
// reloads it otherwise. A failed reload returns a *ConfigLoadError; the old
// snapshot is kept but not served once expired.
func (c *ConfigCache) Get(ctx context.Context) (*RuntimeConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.current, nil
	}

	cfg, err := c.loader.Load(ctx)
	if err != nil {
		if _, ok := err.(*ConfigLoadError); ok {
			return nil, err
		}
		return nil, &ConfigLoadError{Err: err}
	}

	c.current = cfg
	c.loadedAt = c.now()
	return cfg, nil
}

// Invalidate forces the next Get to reload.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// TTL returns the configured time-to-live.
func (c *ConfigCache) TTL() time.Duration { return c.ttl }
