// Package service wires storage, queues, the recalculation pipeline and the
// background worker, and exposes the operations the HTTP API and the CLI
// need.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okian/recalc/internal/adapters/bus"
	"github.com/okian/recalc/internal/adapters/cache"
	"github.com/okian/recalc/internal/adapters/mq/queue"
	"github.com/okian/recalc/internal/adapters/mq/worker"
	"github.com/okian/recalc/internal/adapters/repository"
	"github.com/okian/recalc/internal/adapters/rulesfile"
	"github.com/okian/recalc/internal/config"
	"github.com/okian/recalc/internal/domain/dedupe"
	"github.com/okian/recalc/internal/domain/matching"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/recalc"
	"github.com/okian/recalc/internal/domain/rules"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

const (
	shutdownTimeout = 30 * time.Second
	// maxTopContacts bounds TopContacts requests.
	maxTopContacts = 1000
)

// Service owns every long-lived component.
type Service struct {
	mu sync.RWMutex

	cfg        *config.Config
	background bool

	db          *sql.DB
	store       *repository.SQLStore
	activities  queue.Queue[model.Activity]
	changes     queue.Queue[model.ContactChange]
	broker      *bus.Broker
	sink        *bus.KafkaSink
	cache       *cache.Cache
	rules       *rules.CachedRules
	scoreRecalc *recalc.ScoreRecalculator
	processor   *worker.Processor
	worker      *worker.BackgroundWorker
	reloader    *rulesfile.Reloader
	seen        dedupe.Deduper

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithoutBackground keeps Start from launching the worker loop and the rules
// watcher. One-shot CLI commands use it.
func WithoutBackground() Option {
	return func(s *Service) {
		s.background = false
	}
}

// New constructs a Service for cfg. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		background: true,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the database, builds the pipeline, applies the rules file and,
// unless disabled, starts the background loops.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.logger.Info(ctx, "starting recalc service",
		logger.String("database", s.cfg.DatabasePath),
		logger.String("queue_backend", s.cfg.QueueBackend))

	defer func() {
		if err != nil {
			s.closeAll(ctx)
		}
	}()

	if s.db, err = repository.Open(ctx, s.cfg.DatabasePath); err != nil {
		return err
	}
	if s.store, err = repository.NewSQLStore(ctx, s.db, repository.WithLogger(s.logger.Named("store"))); err != nil {
		return err
	}
	if err = s.openQueues(ctx); err != nil {
		return err
	}

	s.broker = bus.New(bus.WithLogger(s.logger.Named("bus")))
	if len(s.cfg.KafkaBrokers) > 0 {
		if s.sink, err = bus.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic); err != nil {
			return err
		}
		s.broker.SubscribeAll(bus.BestEffort(s.sink.Handle, s.logger.Named("kafka")))
	}

	s.cache = cache.New()
	s.rules = rules.NewCachedRules(s.store, rules.WithLogger(s.logger.Named("rules")))
	s.seen = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))

	factory, err := matching.NewFactory()
	if err != nil {
		return err
	}
	ruleRecalc, err := recalc.NewRuleRecalculator(s.store, s.store, s.cache,
		recalc.WithRuleLogger(s.logger.Named("rule_recalculator")))
	if err != nil {
		return err
	}
	limits := newLimitNotifier(s.store, dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize)), s.broker, s.logger.Named("limits"))
	s.scoreRecalc = recalc.NewScoreRecalculator(s.store, s.store, ruleRecalc, s.rules, factory,
		recalc.WithObserver(newBusObserver(s.broker, s.logger.Named("observer"))),
		recalc.WithLimitNotifier(limits),
		recalc.WithFullRecalculationTimeout(s.cfg.FullRecalculationTimeout()),
		recalc.WithScoreLogger(s.logger.Named("score_recalculator")),
	)
	s.broker.Subscribe(bus.KindBatchReady, s.handleBatch)

	s.processor = worker.NewProcessor(s.activities, s.changes, s.broker,
		worker.WithProcessorLogger(s.logger.Named("processor")))
	s.worker = worker.NewBackgroundWorker(s.processor,
		worker.WithInterval(s.cfg.WorkerInterval()),
		worker.WithSlowWarningThrottle(s.cfg.SlowWarningThrottle()),
		worker.WithLease(s.store, s.cfg.WorkerLease()),
		worker.WithLogger(s.logger),
	)

	if s.cfg.RulesFile != "" {
		s.reloader = rulesfile.New(s.cfg.RulesFile, s.store, s.rules,
			rulesfile.WithLogger(s.logger.Named("rulesfile")),
			rulesfile.WithOnChange(s.rulesChanged))
		if err = s.reloader.Reload(ctx); err != nil {
			return err
		}
	}

	if s.background {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker.Run(runCtx)
		}()
		if s.reloader != nil && s.cfg.WatchRulesFile {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if werr := s.reloader.Watch(runCtx); werr != nil {
					s.logger.Error(runCtx, "rules watcher stopped", logger.Error(werr))
				}
			}()
		}
	}

	s.started = true
	s.logger.Info(ctx, "recalc service started",
		logger.Duration("worker_interval", s.cfg.WorkerInterval()),
		logger.Bool("background", s.background))
	return nil
}

func (s *Service) openQueues(ctx context.Context) error {
	opts := []queue.Option{
		queue.WithCapacity(s.cfg.QueueCapacity),
		queue.WithBatchSize(s.cfg.DequeueBatchSize),
		queue.WithLogger(s.logger.Named("queue")),
		queue.WithTxFromContext(repository.TxFromContext),
	}
	if s.cfg.QueueBackend == config.QueueBackendMemory {
		s.activities = queue.NewInMemoryQueue[model.Activity](queue.NameActivities, opts...)
		s.changes = queue.NewInMemoryQueue[model.ContactChange](queue.NameContactChanges, opts...)
		return nil
	}
	var err error
	if s.activities, err = queue.NewSQLiteQueue[model.Activity](ctx, s.db, queue.NameActivities, opts...); err != nil {
		return err
	}
	s.changes, err = queue.NewSQLiteQueue[model.ContactChange](ctx, s.db, queue.NameContactChanges, opts...)
	return err
}

// Stop shuts the background loops down and closes everything.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(ctx, "stopping recalc service")

	if s.cancel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := s.worker.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "worker shutdown", logger.Error(err))
		}
		cancel()
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
	s.closeAll(ctx)
	s.started = false
	s.logger.Info(ctx, "recalc service stopped")
}

func (s *Service) closeAll(ctx context.Context) {
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Warn(ctx, "closing kafka sink", logger.Error(err))
		}
	}
	if s.activities != nil {
		_ = s.activities.Close()
	}
	if s.changes != nil {
		_ = s.changes.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn(ctx, "closing database", logger.Error(err))
		}
	}
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// handleBatch recalculates one drained batch in a single transaction.
func (s *Service) handleBatch(ctx context.Context, msg bus.Message) error {
	if msg.BatchReady == nil {
		return nil
	}
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		return s.scoreRecalc.RecalculateScoreRulesAfterContactActionsBatch(ctx, msg.BatchReady.Activities, msg.BatchReady.Changes)
	})
	if err != nil {
		metrics.RecordBatchFailure()
		s.logger.Error(ctx, "batch recalculation failed",
			logger.String("batch", msg.ID),
			logger.Int("activities", len(msg.BatchReady.Activities)),
			logger.Int("changes", len(msg.BatchReady.Changes)),
			logger.Error(err))
		return err
	}
	return nil
}

func (s *Service) rulesChanged(ctx context.Context, changed []model.ScoreID) {
	for _, id := range changed {
		s.cache.Touch(ctx, recalc.CacheKey(id))
	}
	s.logger.Warn(ctx, "rules changed, scores need a full recalculation",
		logger.Any("scores", changed))
}

// RecordActivity logs an activity and queues it for recalculation. It
// returns the activity id, assigned when empty, and reports false for an id
// that was already recorded.
func (s *Service) RecordActivity(ctx context.Context, a model.Activity) (string, bool, error) {
	if err := s.ready(); err != nil {
		return "", false, err
	}
	if a.ContactID <= 0 {
		return "", false, fmt.Errorf("%w: contact_id must be positive", ErrInvalidInput)
	}
	a.Type = strings.TrimSpace(a.Type)
	if a.Type == "" {
		return "", false, fmt.Errorf("%w: type is required", ErrInvalidInput)
	}
	provided := a.ID != ""
	if provided && s.seen.SeenAndRecord(ctx, a.ID) {
		metrics.RecordActivityDuplicate()
		return a.ID, false, nil
	}

	var inserted bool
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		if inserted, err = s.store.RecordActivity(ctx, &a); err != nil || !inserted {
			return err
		}
		return s.activities.Store(ctx, a)
	})
	if err != nil {
		if provided {
			s.seen.Unrecord(ctx, a.ID)
		}
		return "", false, err
	}
	if !inserted {
		metrics.RecordActivityDuplicate()
		return a.ID, false, nil
	}
	if !provided {
		s.seen.SeenAndRecord(ctx, a.ID)
	}
	metrics.RecordActivityIngested()
	return a.ID, true, nil
}

// UpdateContactFields stores profile fields and queues the resulting
// changes. Fields whose value is unchanged produce nothing.
func (s *Service) UpdateContactFields(ctx context.Context, id model.ContactID, fields map[string]string) ([]model.FieldChange, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, fmt.Errorf("%w: contact id must be positive", ErrInvalidInput)
	}
	for name := range fields {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidInput)
		}
	}

	var changes []model.FieldChange
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		if changes, err = s.store.UpdateContactFields(ctx, id, fields); err != nil || len(changes) == 0 {
			return err
		}
		return s.changes.Store(ctx, model.ContactChange{ContactID: id, Changes: changes, Created: time.Now().UTC()})
	})
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		metrics.RecordContactChange()
	}
	return changes, nil
}

// Scores lists every score.
func (s *Service) Scores(ctx context.Context) ([]model.Score, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Scores(ctx)
}

// Score returns one score; unknown ids yield repository.ErrNotFound.
func (s *Service) Score(ctx context.Context, id model.ScoreID) (model.Score, error) {
	if err := s.ready(); err != nil {
		return model.Score{}, err
	}
	return s.store.Score(ctx, id)
}

// Rules lists the rules of a score.
func (s *Service) Rules(ctx context.Context, id model.ScoreID) ([]model.Rule, error) {
	if _, err := s.Score(ctx, id); err != nil {
		return nil, err
	}
	return s.store.RulesForScore(ctx, id)
}

// RecalculateScore runs a full recalculation of one score and returns the
// status it ended in. Recalculation failures show up as StatusFailed, not
// as an error.
func (s *Service) RecalculateScore(ctx context.Context, id model.ScoreID) (model.ScoreStatus, error) {
	score, err := s.Score(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.scoreRecalc.RecalculateScoreRulesForAllContacts(ctx, &score), nil
}

// ContactScore returns a contact's total within a score.
func (s *Service) ContactScore(ctx context.Context, scoreID model.ScoreID, contactID model.ContactID) (model.ContactTotal, error) {
	if _, err := s.Score(ctx, scoreID); err != nil {
		return model.ContactTotal{}, err
	}
	key := "total|" + strconv.FormatInt(int64(scoreID), 10) + "|" + strconv.FormatInt(int64(contactID), 10)
	points, err := cache.GetOrLoad(ctx, s.cache, key, []string{recalc.CacheKey(scoreID)}, func(ctx context.Context) (int, error) {
		return s.store.ContactTotal(ctx, scoreID, contactID)
	})
	if err != nil {
		return model.ContactTotal{}, err
	}
	return model.ContactTotal{ContactID: contactID, Points: points}, nil
}

// TopContacts returns the n highest totals within a score.
func (s *Service) TopContacts(ctx context.Context, scoreID model.ScoreID, n int) ([]model.ContactTotal, error) {
	if n <= 0 || n > maxTopContacts {
		return nil, fmt.Errorf("%w: n must be between 1 and %d", ErrInvalidInput, maxTopContacts)
	}
	if _, err := s.Score(ctx, scoreID); err != nil {
		return nil, err
	}
	key := "top|" + strconv.FormatInt(int64(scoreID), 10) + "|" + strconv.Itoa(n)
	top, err := cache.GetOrLoad(ctx, s.cache, key, []string{recalc.CacheKey(scoreID)}, func(ctx context.Context) ([]model.ContactTotal, error) {
		return s.store.TopContacts(ctx, scoreID, n)
	})
	return slices.Clone(top), err
}

// ProcessPending drains the queues once, the way a worker tick does.
func (s *Service) ProcessPending(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.worker.RunOnce(ctx)
}

// Seed applies a rules seed file.
func (s *Service) Seed(ctx context.Context, path string) (repository.SeedResult, error) {
	if err := s.ready(); err != nil {
		return repository.SeedResult{}, err
	}
	res, err := s.store.SeedFromFile(ctx, path)
	if err != nil {
		return res, err
	}
	s.rules.Invalidate()
	if len(res.Changed) > 0 {
		s.rulesChanged(ctx, res.Changed)
	}
	return res, nil
}

// Stats is a snapshot of stored and pending work.
type Stats struct {
	repository.Counts
	PendingActivities int   `json:"pending_activities"`
	PendingChanges    int   `json:"pending_changes"`
	SeenActivityIDs   int64 `json:"seen_activity_ids"`
	CacheEntries      int   `json:"cache_entries"`
}

// Stats returns counts for monitoring.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if err := s.ready(); err != nil {
		return Stats{}, err
	}
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	acts, aerr := s.activities.Len(ctx)
	changes, cerr := s.changes.Len(ctx)
	if err := errors.Join(aerr, cerr); err != nil {
		return Stats{}, err
	}
	metrics.UpdateQueueSize(queue.NameActivities, acts)
	metrics.UpdateQueueSize(queue.NameContactChanges, changes)
	return Stats{
		Counts:            counts,
		PendingActivities: acts,
		PendingChanges:    changes,
		SeenActivityIDs:   s.seen.Size(),
		CacheEntries:      s.cache.Len(),
	}, nil
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Subscribe registers h on the service bus. Call it after Start.
func (s *Service) Subscribe(kind bus.Kind, h bus.Handler) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.broker.Subscribe(kind, h)
	return nil
}
