// Package recalc recalculates the points rules contribute to contacts, either
// for whole scores or for the contacts a batch of activities and contact
// changes touched.
package recalc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/okian/recalc/internal/domain/matching"
	"github.com/okian/recalc/internal/domain/model"
)

// Sentinel kinds for recalculation errors.
var (
	ErrMissingCalculator = errors.New("no calculator for rule type")
	ErrPanic             = errors.New("recalculation panicked")
)

// AssociationStore persists the points rows.
type AssociationStore interface {
	// DeleteRuleAssociations removes every (rule, *) row.
	DeleteRuleAssociations(ctx context.Context, ruleID model.RuleID) error
	// DeleteContactAssociations removes (rule, contact) rows for the given contacts.
	DeleteContactAssociations(ctx context.Context, ruleID model.RuleID, contactIDs []model.ContactID) error
	// InsertAssociations stores new rows.
	InsertAssociations(ctx context.Context, rows []model.Association) error
}

// ContactSource reads the data calculators evaluate.
type ContactSource interface {
	ContactIDs(ctx context.Context) ([]model.ContactID, error)
	Contacts(ctx context.Context, ids []model.ContactID) ([]model.Contact, error)
	// Activities returns activities of the given type for the contacts,
	// created at or after since (zero since means no lower bound).
	Activities(ctx context.Context, ids []model.ContactID, activityType string, since time.Time) ([]model.Activity, error)
}

// ScoreStore reads score rules and writes score status.
type ScoreStore interface {
	RulesForScore(ctx context.Context, scoreID model.ScoreID) ([]model.Rule, error)
	SetScoreStatus(ctx context.Context, scoreID model.ScoreID, status model.ScoreStatus) error
}

// TxRunner runs fn in one transaction carried by the context passed to fn.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CacheToucher invalidates dependency cache keys.
type CacheToucher interface {
	Touch(ctx context.Context, key string)
}

// RuleSource is the cached set of rules belonging to enabled scores.
type RuleSource interface {
	EnabledRules(ctx context.Context) ([]model.Rule, error)
}

// MatcherFactory builds per-rule-type matchers for a batch.
type MatcherFactory interface {
	CreateMatchers(activities []model.Activity, changes []model.ContactChange) map[model.RuleType]matching.Matcher
}

// LimitNotifier reports contacts that reached a score's notification limit.
type LimitNotifier interface {
	NotifyLimitExceeded(ctx context.Context, score *model.Score) error
}

// EventKind names a recalculation event.
type EventKind string

// Event kinds.
const (
	EventFullRecalculation  EventKind = "full_recalculation"
	EventBatchRecalculation EventKind = "batch_recalculation"
)

// Event describes a recalculation for observers.
type Event struct {
	Kind EventKind
	// Score is set for full recalculations.
	Score *model.Score
	// Rules and ContactIDs are set for batch recalculations.
	Rules      []model.RuleID
	ContactIDs []model.ContactID
}

// Observer brackets a recalculation. Returning false from Before skips it.
type Observer interface {
	Before(ctx context.Context, ev Event) bool
	After(ctx context.Context, ev Event, err error)
}

// Observers fans out to several observers. Any veto skips the work; After
// runs on every member.
type Observers []Observer

// Before implements Observer.
func (o Observers) Before(ctx context.Context, ev Event) bool {
	proceed := true
	for _, obs := range o {
		if !obs.Before(ctx, ev) {
			proceed = false
		}
	}
	return proceed
}

// After implements Observer.
func (o Observers) After(ctx context.Context, ev Event, err error) {
	for _, obs := range o {
		obs.After(ctx, ev, err)
	}
}

// CacheKey returns the dependency key of a score's contact list.
func CacheKey(scoreID model.ScoreID) string {
	return "score|" + strconv.FormatInt(int64(scoreID), 10) + "|contacts"
}
