package model

import (
	"fmt"
	"strings"

	"github.com/okian/recalc/internal/domain/textcompare"
)

// RuleType discriminates which matcher and which calculator apply to a rule.
type RuleType int

// Known rule types. RuleTypes lists every value; factories check coverage
// against it at construction time.
const (
	// RuleTypeAttribute awards points when a contact field satisfies a text condition.
	RuleTypeAttribute RuleType = iota + 1
	// RuleTypeActivity awards points for logged activities of a given type.
	RuleTypeActivity
)

// RuleTypes enumerates all rule types.
var RuleTypes = []RuleType{RuleTypeAttribute, RuleTypeActivity}

func (t RuleType) String() string {
	switch t {
	case RuleTypeAttribute:
		return "attribute"
	case RuleTypeActivity:
		return "activity"
	default:
		return fmt.Sprintf("RuleType(%d)", int(t))
	}
}

// ParseRuleType resolves the storage name of a rule type.
func ParseRuleType(s string) (RuleType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "attribute":
		return RuleTypeAttribute, nil
	case "activity":
		return RuleTypeActivity, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRuleType, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t RuleType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RuleType) UnmarshalText(b []byte) error {
	parsed, err := ParseRuleType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Condition is the rule-type specific part of a rule.
//
// Attribute rules use Field/Operator/Value against the contact profile.
// Activity rules match ActivityType and, when Operator is set, compare the
// activity value with Value.
type Condition struct {
	Field    string               `json:"field,omitempty" yaml:"field"`
	Operator textcompare.Operator `json:"operator,omitempty" yaml:"operator"`
	Value    string               `json:"value,omitempty" yaml:"value"`

	ActivityType string `json:"activity_type,omitempty" yaml:"activity_type"`
	// Recurring awards Points per matching activity instead of once.
	Recurring bool `json:"recurring,omitempty" yaml:"recurring"`
	// MaxPoints caps recurring points; zero means no cap.
	MaxPoints int `json:"max_points,omitempty" yaml:"max_points"`
	// ValidityDays ignores activities older than this many days; zero keeps all.
	ValidityDays int `json:"validity_days,omitempty" yaml:"validity_days"`
}

// Rule is a single scoring condition contributing points to a score.
type Rule struct {
	ID        RuleID    `json:"id" yaml:"id"`
	ScoreID   ScoreID   `json:"score_id" yaml:"-"`
	Name      string    `json:"name" yaml:"name"`
	Type      RuleType  `json:"type" yaml:"type"`
	Points    int       `json:"points" yaml:"points"`
	Condition Condition `json:"condition" yaml:"condition"`
}

// Validate checks the invariants a rule must hold before it is stored.
func (r *Rule) Validate() error {
	switch r.Type {
	case RuleTypeAttribute:
		if strings.TrimSpace(r.Condition.Field) == "" {
			return fmt.Errorf("%w: rule %d: attribute rule needs a field", ErrInvalidRule, r.ID)
		}
		if !r.Condition.Operator.Valid() {
			return fmt.Errorf("%w: rule %d: %w", ErrInvalidRule, r.ID, textcompare.ErrUnsupportedOperator)
		}
	case RuleTypeActivity:
		if strings.TrimSpace(r.Condition.ActivityType) == "" {
			return fmt.Errorf("%w: rule %d: activity rule needs an activity type", ErrInvalidRule, r.ID)
		}
		if r.Condition.Operator != textcompare.None && !r.Condition.Operator.Valid() {
			return fmt.Errorf("%w: rule %d: %w", ErrInvalidRule, r.ID, textcompare.ErrUnsupportedOperator)
		}
	default:
		return fmt.Errorf("%w: rule %d: %s", ErrUnknownRuleType, r.ID, r.Type)
	}
	return nil
}

// Association is the points a rule currently contributes to a contact.
// At most one exists per (rule, contact).
type Association struct {
	RuleID    RuleID    `json:"rule_id"`
	ScoreID   ScoreID   `json:"score_id"`
	ContactID ContactID `json:"contact_id"`
	Points    int       `json:"points"`
}

// AffectedContacts pairs a rule with the contacts a batch may have changed
// under it.
type AffectedContacts struct {
	Rule       Rule
	ContactIDs []ContactID
}
