package recalc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/okian/recalc/internal/domain/matching"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

const defaultFullRecalculationTimeout = time.Hour

// RuleRecalculation is what ScoreRecalculator needs from RuleRecalculator.
type RuleRecalculation interface {
	RecalculateRuleForAllContacts(ctx context.Context, rule *model.Rule) error
	RecalculateRuleForContacts(ctx context.Context, rule *model.Rule, contactIDs []model.ContactID) error
}

// ScoreRecalculator runs full and incremental recalculations and owns the
// score status transitions.
type ScoreRecalculator struct {
	scores   ScoreStore
	tx       TxRunner
	rules    RuleRecalculation
	cached   RuleSource
	matchers MatcherFactory

	notifier    LimitNotifier
	observer    Observer
	fullTimeout time.Duration
	now         func() time.Time
	logger      logger.Logger
}

// ScoreOption customizes a ScoreRecalculator.
type ScoreOption func(*ScoreRecalculator)

// WithObserver sets the before/after observer.
func WithObserver(o Observer) ScoreOption {
	return func(s *ScoreRecalculator) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLimitNotifier sets the notifier run after full recalculations.
func WithLimitNotifier(n LimitNotifier) ScoreOption {
	return func(s *ScoreRecalculator) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithFullRecalculationTimeout bounds the transaction of a full recalculation.
func WithFullRecalculationTimeout(d time.Duration) ScoreOption {
	return func(s *ScoreRecalculator) {
		if d > 0 {
			s.fullTimeout = d
		}
	}
}

// WithScoreLogger sets the logger.
func WithScoreLogger(l logger.Logger) ScoreOption {
	return func(s *ScoreRecalculator) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithScoreClock sets the clock used for durations.
func WithScoreClock(now func() time.Time) ScoreOption {
	return func(s *ScoreRecalculator) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScoreRecalculator creates a ScoreRecalculator.
func NewScoreRecalculator(scores ScoreStore, tx TxRunner, rules RuleRecalculation, cached RuleSource, matchers MatcherFactory, opts ...ScoreOption) *ScoreRecalculator {
	s := &ScoreRecalculator{
		scores:      scores,
		tx:          tx,
		rules:       rules,
		cached:      cached,
		matchers:    matchers,
		observer:    Observers(nil),
		fullTimeout: defaultFullRecalculationTimeout,
		now:         time.Now,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecalculateScoreRulesForAllContacts recomputes every rule of score for every
// contact. Failures are logged and recorded as StatusFailed; they never reach
// the caller. The returned status is the one the score was left in; a vetoed
// run returns the score's current status untouched.
func (s *ScoreRecalculator) RecalculateScoreRulesForAllContacts(ctx context.Context, score *model.Score) model.ScoreStatus {
	if score == nil {
		panic("recalc: nil score")
	}
	ev := Event{Kind: EventFullRecalculation, Score: score}
	if !s.observer.Before(ctx, ev) {
		s.logger.Info(ctx, "full recalculation vetoed", logger.Int64("score", int64(score.ID)))
		return score.Status
	}

	start := s.now()
	s.logger.Info(ctx, "full recalculation started",
		logger.Int64("score", int64(score.ID)),
		logger.String("name", score.Name),
	)

	err := s.recalculateAll(ctx, score)
	status := score.StatusAfterFullRecalculation()
	outcome := "success"
	if err != nil {
		status = model.StatusFailed
		outcome = "failed"
		s.logger.Error(ctx, "full recalculation failed",
			logger.Int64("score", int64(score.ID)),
			logger.Error(err),
		)
	}
	if serr := s.scores.SetScoreStatus(context.WithoutCancel(ctx), score.ID, status); serr != nil {
		s.logger.Error(ctx, "failed to store score status",
			logger.Int64("score", int64(score.ID)),
			logger.String("status", status.String()),
			logger.Error(serr),
		)
	}
	score.Status = status

	elapsed := s.now().Sub(start)
	metrics.RecordFullRecalculation(outcome, float64(elapsed.Milliseconds()))
	if err == nil {
		s.logger.Info(ctx, "full recalculation finished",
			logger.Int64("score", int64(score.ID)),
			logger.String("status", status.String()),
			logger.Duration("elapsed", elapsed),
		)
	}

	s.notifyLimits(ctx, score)
	s.observer.After(ctx, ev, err)
	return status
}

func (s *ScoreRecalculator) recalculateAll(ctx context.Context, score *model.Score) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	if err := s.scores.SetScoreStatus(ctx, score.ID, model.StatusRecalculating); err != nil {
		return fmt.Errorf("mark score %d recalculating: %w", score.ID, err)
	}
	score.Status = model.StatusRecalculating

	txCtx, cancel := context.WithTimeout(ctx, s.fullTimeout)
	defer cancel()
	return s.tx.InTx(txCtx, func(ctx context.Context) error {
		rules, err := s.scores.RulesForScore(ctx, score.ID)
		if err != nil {
			return fmt.Errorf("load rules of score %d: %w", score.ID, err)
		}
		for i := range rules {
			if err := s.rules.RecalculateRuleForAllContacts(ctx, &rules[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// notifyLimits is best effort: errors and panics are logged.
func (s *ScoreRecalculator) notifyLimits(ctx context.Context, score *model.Score) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "limit notification panicked", logger.Int64("score", int64(score.ID)), logger.Any("panic", r))
		}
	}()
	if err := s.notifier.NotifyLimitExceeded(context.WithoutCancel(ctx), score); err != nil {
		s.logger.Warn(ctx, "limit notification failed", logger.Int64("score", int64(score.ID)), logger.Error(err))
	}
}

// RecalculateScoreRulesAfterContactActionsBatch applies the delta of one
// drained batch: only rules whose matcher reports affected contacts are
// recalculated, and only for those contacts. Score status is not changed.
// Errors are returned to the caller.
func (s *ScoreRecalculator) RecalculateScoreRulesAfterContactActionsBatch(ctx context.Context, activities []model.Activity, changes []model.ContactChange) error {
	if len(activities) == 0 && len(changes) == 0 {
		return nil
	}

	rules, err := s.cached.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("load enabled rules: %w", err)
	}
	matchers := s.matchers.CreateMatchers(activities, changes)

	var affected []model.AffectedContacts
	union := matching.ContactSet{}
	for i := range rules {
		rule := &rules[i]
		m, ok := matchers[rule.Type]
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrUnknownRuleType, rule.Type)
		}
		set := m.AffectedContacts(rule)
		if len(set) == 0 {
			continue
		}
		ids := set.IDs()
		sortContactIDs(ids)
		affected = append(affected, model.AffectedContacts{Rule: *rule, ContactIDs: ids})
		for _, id := range ids {
			union[id] = struct{}{}
		}
	}
	if len(affected) == 0 {
		return nil
	}

	ev := Event{Kind: EventBatchRecalculation, ContactIDs: union.IDs()}
	sortContactIDs(ev.ContactIDs)
	for _, a := range affected {
		ev.Rules = append(ev.Rules, a.Rule.ID)
	}
	if !s.observer.Before(ctx, ev) {
		s.logger.Info(ctx, "batch recalculation vetoed", logger.Int("rules", len(affected)))
		return nil
	}

	for i := range affected {
		a := &affected[i]
		if err = s.rules.RecalculateRuleForContacts(ctx, &a.Rule, a.ContactIDs); err != nil {
			err = fmt.Errorf("recalculate rule %d for %d contacts: %w", a.Rule.ID, len(a.ContactIDs), err)
			break
		}
	}
	metrics.RecordBatchRecalculation(len(affected), len(ev.ContactIDs))
	s.observer.After(ctx, ev, err)
	return err
}

func sortContactIDs(ids []model.ContactID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
