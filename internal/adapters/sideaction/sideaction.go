// Package sideaction controls whether follow-up work such as cache
// invalidation runs immediately or is collected and flushed at the end of
// an HTTP request or a database transaction.
package sideaction

import (
	"context"
	"sync"
)

type ctxKey int

const (
	disabledKey ctxKey = iota
	deferredKey
	heldKey
)

// Disable marks ctx so side actions are not deferred to a request end. The
// background worker uses it so nothing waits for a request end that never
// comes.
func Disable(ctx context.Context) context.Context {
	return context.WithValue(ctx, disabledKey, true)
}

// Allowed reports whether side actions may be deferred under ctx.
func Allowed(ctx context.Context) bool {
	disabled, _ := ctx.Value(disabledKey).(bool)
	return !disabled
}

type action struct {
	key string
	fn  func(context.Context)
}

// Deferred collects actions until Flush or Release.
type Deferred struct {
	mu      sync.Mutex
	actions []action
	keys    map[string]struct{}
}

func newDeferred() *Deferred {
	return &Deferred{keys: make(map[string]struct{})}
}

// WithDeferred installs a request collector on ctx. Disable overrides it.
func WithDeferred(ctx context.Context) (context.Context, *Deferred) {
	d := newDeferred()
	return context.WithValue(ctx, deferredKey, d), d
}

// Hold installs a collector that keeps actions until the surrounding
// transaction ends, even when deferral is disabled. Call Release with the
// context Hold was given.
func Hold(ctx context.Context) (context.Context, *Deferred) {
	d := newDeferred()
	return context.WithValue(ctx, heldKey, d), d
}

// Run defers fn under key when ctx carries a hold, or a request collector
// with deferral allowed; otherwise fn runs now. A key already pending is
// not added again.
func Run(ctx context.Context, key string, fn func(context.Context)) {
	if d, ok := ctx.Value(heldKey).(*Deferred); ok {
		d.add(key, fn)
		return
	}
	d, ok := ctx.Value(deferredKey).(*Deferred)
	if !ok || !Allowed(ctx) {
		fn(ctx)
		return
	}
	d.add(key, fn)
}

func (d *Deferred) add(key string, fn func(context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.keys[key]; dup {
		return
	}
	d.keys[key] = struct{}{}
	d.actions = append(d.actions, action{key: key, fn: fn})
}

func (d *Deferred) take() []action {
	d.mu.Lock()
	defer d.mu.Unlock()
	actions := d.actions
	d.actions = nil
	d.keys = make(map[string]struct{})
	return actions
}

// Pending returns how many actions wait.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actions)
}

// Flush runs and clears the collected actions in order.
func (d *Deferred) Flush(ctx context.Context) {
	ctx = Disable(ctx)
	for _, a := range d.take() {
		a.fn(ctx)
	}
}

// Release hands the collected actions to Run under ctx, so they run now or
// move to an enclosing request collector.
func (d *Deferred) Release(ctx context.Context) {
	for _, a := range d.take() {
		Run(ctx, a.key, a.fn)
	}
}
