// Package rules caches the rules of enabled scores between edits.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
)

// Loader reads the rules of every enabled score from storage.
type Loader interface {
	EnabledScoreRules(ctx context.Context) ([]model.Rule, error)
}

// CachedRules serves EnabledRules from memory. The first call after
// construction or Invalidate loads from the Loader. Invalid rules are
// logged and left out.
type CachedRules struct {
	loader Loader
	logger logger.Logger

	mu         sync.RWMutex
	rules      []model.Rule
	loaded     bool
	generation uint64
}

// Option configures CachedRules.
type Option func(*CachedRules)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *CachedRules) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCachedRules creates an empty cache over loader.
func NewCachedRules(loader Loader, opts ...Option) *CachedRules {
	c := &CachedRules{loader: loader, logger: logger.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnabledRules returns a copy of the cached rules, loading them if needed.
func (c *CachedRules) EnabledRules(ctx context.Context) ([]model.Rule, error) {
	c.mu.RLock()
	if c.loaded {
		out := append([]model.Rule(nil), c.rules...)
		c.mu.RUnlock()
		return out, nil
	}
	gen := c.generation
	c.mu.RUnlock()

	loaded, err := c.loader.EnabledScoreRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load enabled rules: %w", err)
	}
	valid := make([]model.Rule, 0, len(loaded))
	for i := range loaded {
		if err := loaded[i].Validate(); err != nil {
			c.logger.Warn(ctx, "skipping invalid rule", logger.Int64("rule", int64(loaded[i].ID)), logger.Error(err))
			continue
		}
		valid = append(valid, loaded[i])
	}

	c.mu.Lock()
	// An Invalidate that raced with the load wins; the next call reloads.
	if c.generation == gen {
		c.rules = valid
		c.loaded = true
	}
	c.mu.Unlock()
	return append([]model.Rule(nil), valid...), nil
}

// Invalidate drops the cached rules.
func (c *CachedRules) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = nil
	c.loaded = false
	c.generation++
}
