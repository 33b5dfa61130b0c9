// Package rulesfile loads the YAML rules seed into the store and reloads it
// when the file changes.
package rulesfile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/okian/recalc/internal/adapters/repository"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

const defaultDebounce = 200 * time.Millisecond

// Seeder applies a seed file.
type Seeder interface {
	SeedFromFile(ctx context.Context, path string) (repository.SeedResult, error)
}

// Invalidator drops cached rules.
type Invalidator interface {
	Invalidate()
}

// Reloader seeds rules from one file.
type Reloader struct {
	path        string
	seeder      Seeder
	invalidator Invalidator
	onChange    func(ctx context.Context, changed []model.ScoreID)
	debounce    time.Duration
	logger      logger.Logger
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reloader) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOnChange registers fn to run after a reload that changed scores.
func WithOnChange(fn func(ctx context.Context, changed []model.ScoreID)) Option {
	return func(r *Reloader) {
		r.onChange = fn
	}
}

// WithDebounce sets how long Watch waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(r *Reloader) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// New creates a Reloader for path.
func New(path string, seeder Seeder, invalidator Invalidator, opts ...Option) *Reloader {
	r := &Reloader{
		path:        path,
		seeder:      seeder,
		invalidator: invalidator,
		debounce:    defaultDebounce,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload seeds the file and drops the rule cache. A failed reload leaves
// the stored rules as they were.
func (r *Reloader) Reload(ctx context.Context) error {
	res, err := r.seeder.SeedFromFile(ctx, r.path)
	if err != nil {
		metrics.RecordRulesReload("error")
		return fmt.Errorf("reload %s: %w", r.path, err)
	}
	r.invalidator.Invalidate()
	metrics.RecordRulesReload("ok")
	r.logger.Info(ctx, "rules reloaded",
		logger.String("path", r.path),
		logger.Int("rules", res.Rules),
		logger.Int("changed_scores", len(res.Changed)))
	if len(res.Changed) > 0 && r.onChange != nil {
		r.onChange(ctx, res.Changed)
	}
	return nil
}

// Watch reloads after the file is written, created or renamed into place,
// until ctx is done. The parent directory is watched so editors that
// replace the file are seen.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.debounce)
		case <-timer.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Error(ctx, "rules reload failed", logger.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn(ctx, "rules watcher error", logger.Error(err))
		}
	}
}
