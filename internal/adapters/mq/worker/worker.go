// Package worker runs the periodic drain of the pending-work queues.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/recalc/internal/adapters/sideaction"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

const (
	defaultInterval     = 10 * time.Second
	defaultSlowThrottle = 24 * time.Hour
	// slowFactor times the interval is the elapsed time considered slow.
	slowFactor = 3
)

// Drainer processes everything pending.
type Drainer interface {
	ProcessAllContactActions(ctx context.Context) error
}

// Leaser grants a named, expiring, exclusive lease.
type Leaser interface {
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// BackgroundWorker calls the drainer once per interval. A run that fails or
// panics is logged and the loop goes on.
type BackgroundWorker struct {
	drainer      Drainer
	name         string
	interval     time.Duration
	slowThrottle time.Duration
	now          func() time.Time

	lease    Leaser
	leaseTTL time.Duration
	owner    string

	mu              sync.Mutex
	lastSlowWarning time.Time

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewBackgroundWorker creates a worker for drainer.
func NewBackgroundWorker(drainer Drainer, opts ...Option) *BackgroundWorker {
	w := &BackgroundWorker{
		drainer:      drainer,
		name:         "background_worker",
		interval:     defaultInterval,
		slowThrottle: defaultSlowThrottle,
		now:          time.Now,
		owner:        uuid.NewString(),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run ticks until ctx is canceled or Shutdown is called.
func (w *BackgroundWorker) Run(ctx context.Context) {
	defer close(w.done)

	interval := w.interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.logger.Info(ctx, "worker started", logger.Duration("interval", interval))

	defer w.releaseLease(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case <-ticker.C:
			_ = w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one drain with side-action deferral disabled. Errors and
// panics are logged, counted, and returned; they never escape as panics.
func (w *BackgroundWorker) RunOnce(ctx context.Context) (err error) {
	ctx = sideaction.Disable(ctx)

	if w.lease != nil {
		ok, lerr := w.lease.TryAcquireLease(ctx, w.name, w.owner, w.leaseTTL)
		if lerr != nil {
			metrics.RecordWorkerError("lease")
			w.logger.Error(ctx, "acquiring worker lease", logger.Error(lerr))
			return fmt.Errorf("acquire lease: %w", lerr)
		}
		if !ok {
			metrics.RecordWorkerLeaseMiss()
			w.logger.Debug(ctx, "worker lease held elsewhere, skipping run")
			return nil
		}
	}

	start := w.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		elapsed := w.now().Sub(start)
		metrics.RecordWorkerRun(float64(elapsed.Milliseconds()))
		if err != nil {
			metrics.RecordWorkerError("process")
			w.logger.Error(ctx, "processing contact actions failed",
				logger.Duration("elapsed", elapsed), logger.Error(err))
		}
		w.warnIfSlow(ctx, elapsed)
	}()

	return w.drainer.ProcessAllContactActions(ctx)
}

func (w *BackgroundWorker) warnIfSlow(ctx context.Context, elapsed time.Duration) {
	if elapsed <= slowFactor*w.interval {
		return
	}
	metrics.RecordWorkerSlowRun()

	w.mu.Lock()
	now := w.now()
	throttled := !w.lastSlowWarning.IsZero() && now.Sub(w.lastSlowWarning) < w.slowThrottle
	if !throttled {
		w.lastSlowWarning = now
	}
	w.mu.Unlock()

	if throttled {
		return
	}
	w.logger.Warn(ctx, "contact action processing is slower than the worker interval",
		logger.Duration("elapsed", elapsed),
		logger.Duration("interval", w.interval),
		logger.Duration("next_warning_after", w.slowThrottle))
}

func (w *BackgroundWorker) releaseLease(ctx context.Context) {
	if w.lease == nil {
		return
	}
	// ctx may already be canceled
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.lease.ReleaseLease(rctx, w.name, w.owner); err != nil {
		w.logger.Warn(ctx, "releasing worker lease", logger.Error(err))
	}
}

// Shutdown stops the loop and waits for the current run to finish or ctx
// to expire.
func (w *BackgroundWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}
