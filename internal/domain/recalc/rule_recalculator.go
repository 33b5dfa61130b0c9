package recalc

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

const defaultChunkSize = 1000

// RuleRecalculator recomputes the associations of one rule. Every variant
// deletes the existing rows before recomputing, so an interrupted run that is
// retried never leaves duplicates.
type RuleRecalculator struct {
	store       AssociationStore
	contacts    ContactSource
	cache       CacheToucher
	calculators map[model.RuleType]Calculator
	chunkSize   int
	now         func() time.Time
	logger      logger.Logger
}

// RuleOption customizes a RuleRecalculator.
type RuleOption func(*RuleRecalculator)

// WithCalculator replaces the calculator of a rule type.
func WithCalculator(t model.RuleType, c Calculator) RuleOption {
	return func(r *RuleRecalculator) {
		if c != nil {
			r.calculators[t] = c
		}
	}
}

// WithChunkSize bounds how many contacts are calculated per call during a
// full recalculation.
func WithChunkSize(n int) RuleOption {
	return func(r *RuleRecalculator) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithRuleClock sets the clock used for activity validity windows.
func WithRuleClock(now func() time.Time) RuleOption {
	return func(r *RuleRecalculator) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRuleLogger sets the logger.
func WithRuleLogger(l logger.Logger) RuleOption {
	return func(r *RuleRecalculator) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRuleRecalculator wires the built-in calculators and checks that every
// rule type has one.
func NewRuleRecalculator(store AssociationStore, contacts ContactSource, cache CacheToucher, opts ...RuleOption) (*RuleRecalculator, error) {
	r := &RuleRecalculator{
		store:       store,
		contacts:    contacts,
		cache:       cache,
		calculators: make(map[model.RuleType]Calculator),
		chunkSize:   defaultChunkSize,
		now:         time.Now,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, ok := r.calculators[model.RuleTypeAttribute]; !ok {
		r.calculators[model.RuleTypeAttribute] = &attributeCalculator{contacts: contacts}
	}
	if _, ok := r.calculators[model.RuleTypeActivity]; !ok {
		r.calculators[model.RuleTypeActivity] = &activityCalculator{contacts: contacts, now: r.now}
	}
	for _, t := range model.RuleTypes {
		if _, ok := r.calculators[t]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingCalculator, t)
		}
	}
	return r, nil
}

// RecalculateRuleForAllContacts rebuilds every association of rule.
func (r *RuleRecalculator) RecalculateRuleForAllContacts(ctx context.Context, rule *model.Rule) error {
	mustRule(rule)
	calc, err := r.calculator(rule)
	if err != nil {
		return err
	}
	if err := r.store.DeleteRuleAssociations(ctx, rule.ID); err != nil {
		return fmt.Errorf("delete associations of rule %d: %w", rule.ID, err)
	}
	ids, err := r.contacts.ContactIDs(ctx)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}
	for start := 0; start < len(ids); start += r.chunkSize {
		end := min(start+r.chunkSize, len(ids))
		if err := r.compute(ctx, calc, rule, ids[start:end]); err != nil {
			return err
		}
	}
	r.cache.Touch(ctx, CacheKey(rule.ScoreID))
	metrics.RecordRuleRecalculation("all")
	metrics.RecordContactsRecalculated(len(ids))
	r.logger.Debug(ctx, "rule recalculated for all contacts",
		logger.Int64("rule", int64(rule.ID)),
		logger.Int("contacts", len(ids)),
	)
	return nil
}

// RecalculateRuleForContacts rebuilds the associations of rule for the given
// contacts only. A nil set is a caller bug.
func (r *RuleRecalculator) RecalculateRuleForContacts(ctx context.Context, rule *model.Rule, contactIDs []model.ContactID) error {
	mustRule(rule)
	if contactIDs == nil {
		panic("recalc: nil contact set")
	}
	if len(contactIDs) == 0 {
		return nil
	}
	calc, err := r.calculator(rule)
	if err != nil {
		return err
	}
	if err := r.store.DeleteContactAssociations(ctx, rule.ID, contactIDs); err != nil {
		return fmt.Errorf("delete associations of rule %d: %w", rule.ID, err)
	}
	if err := r.compute(ctx, calc, rule, contactIDs); err != nil {
		return err
	}
	r.cache.Touch(ctx, CacheKey(rule.ScoreID))
	metrics.RecordRuleRecalculation("contacts")
	metrics.RecordContactsRecalculated(len(contactIDs))
	return nil
}

// RecalculateRuleForContact is the single-contact variant.
func (r *RuleRecalculator) RecalculateRuleForContact(ctx context.Context, rule *model.Rule, contactID model.ContactID) error {
	if contactID <= 0 {
		panic("recalc: invalid contact id")
	}
	return r.RecalculateRuleForContacts(ctx, rule, []model.ContactID{contactID})
}

func (r *RuleRecalculator) compute(ctx context.Context, calc Calculator, rule *model.Rule, ids []model.ContactID) error {
	rows, err := calc.Calculate(ctx, rule, ids)
	if err != nil {
		return fmt.Errorf("calculate rule %d: %w", rule.ID, err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := r.store.InsertAssociations(ctx, rows); err != nil {
		return fmt.Errorf("store associations of rule %d: %w", rule.ID, err)
	}
	return nil
}

func (r *RuleRecalculator) calculator(rule *model.Rule) (Calculator, error) {
	calc, ok := r.calculators[rule.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownRuleType, rule.Type)
	}
	return calc, nil
}

func mustRule(rule *model.Rule) {
	if rule == nil {
		panic("recalc: nil rule")
	}
}
