// Package cache holds computed values that depend on versioned keys.
// Touching a key makes every entry that depends on it stale.
package cache

import (
	"context"
	"sync"

	"github.com/okian/recalc/internal/adapters/sideaction"
	"github.com/okian/recalc/pkg/metrics"
)

const defaultMaxEntries = 10_000

type entry struct {
	value any
	deps  map[string]uint64
}

// Cache is a dependency-versioned in-memory cache. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	versions   map[string]uint64
	entries    map[string]entry
	maxEntries int
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the number of entries; the cache is cleared when the
// bound is hit.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		versions:   make(map[string]uint64),
		entries:    make(map[string]entry),
		maxEntries: defaultMaxEntries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Touch bumps the version of a dependency key. Inside an HTTP request the
// bump is deferred until the request ends.
func (c *Cache) Touch(ctx context.Context, key string) {
	sideaction.Run(ctx, "cache.touch|"+key, func(context.Context) {
		c.mu.Lock()
		c.versions[key]++
		c.mu.Unlock()
	})
}

// Version returns the current version of a dependency key.
func (c *Cache) Version(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[key]
}

// Len returns the number of stored entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	for dep, v := range e.deps {
		if c.versions[dep] != v {
			delete(c.entries, key)
			return nil, false
		}
	}
	return e.value, true
}

func (c *Cache) snapshot(deps []string) map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(deps))
	for _, d := range deps {
		out[d] = c.versions[d]
	}
	return out
}

func (c *Cache) store(key string, value any, deps map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[string]entry)
	}
	c.entries[key] = entry{value: value, deps: deps}
}

// GetOrLoad returns the cached value of key if none of deps was touched since
// it was stored; otherwise it calls load and caches the result. Dependency
// versions are captured before load runs, so a touch during load leaves the
// stored entry stale.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, deps []string, load func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.lookup(key); ok {
		if typed, ok := v.(T); ok {
			metrics.RecordCacheLookup("hit")
			return typed, nil
		}
	}
	metrics.RecordCacheLookup("miss")
	versions := c.snapshot(deps)
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.store(key, v, versions)
	return v, nil
}
