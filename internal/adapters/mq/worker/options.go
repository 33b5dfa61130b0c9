package worker

import (
	"time"

	"github.com/okian/recalc/pkg/logger"
)

// Option applies a configuration option to the BackgroundWorker.
type Option func(*BackgroundWorker)

// WithName sets the worker name used for logging and as the lease name.
func WithName(name string) Option {
	return func(w *BackgroundWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *BackgroundWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithInterval sets the tick interval. It is read once when Run starts.
func WithInterval(d time.Duration) Option {
	return func(w *BackgroundWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithSlowWarningThrottle sets the minimum gap between two slow-run warnings.
func WithSlowWarningThrottle(d time.Duration) Option {
	return func(w *BackgroundWorker) {
		if d >= 0 {
			w.slowThrottle = d
		}
	}
}

// WithClock replaces time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option {
	return func(w *BackgroundWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLease makes every run first take the named lease for ttl, so only one
// process drains a shared database at a time. A zero ttl disables it.
func WithLease(l Leaser, ttl time.Duration) Option {
	return func(w *BackgroundWorker) {
		if l != nil && ttl > 0 {
			w.lease = l
			w.leaseTTL = ttl
		}
	}
}
