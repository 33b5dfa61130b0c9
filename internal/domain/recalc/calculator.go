package recalc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/textcompare"
)

const hoursPerDay = 24

// Calculator computes the associations a rule yields for a set of contacts.
// Contacts that earn nothing get no row.
type Calculator interface {
	Calculate(ctx context.Context, rule *model.Rule, contactIDs []model.ContactID) ([]model.Association, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, rule *model.Rule, contactIDs []model.ContactID) ([]model.Association, error)

// Calculate implements Calculator.
func (f CalculatorFunc) Calculate(ctx context.Context, rule *model.Rule, contactIDs []model.ContactID) ([]model.Association, error) {
	return f(ctx, rule, contactIDs)
}

// attributeCalculator awards rule points to contacts whose field satisfies
// the text condition.
type attributeCalculator struct {
	contacts ContactSource
}

func (c *attributeCalculator) Calculate(ctx context.Context, rule *model.Rule, contactIDs []model.ContactID) ([]model.Association, error) {
	contacts, err := c.contacts.Contacts(ctx, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	var rows []model.Association
	for _, contact := range contacts {
		ok, err := textcompare.Compare(fieldValue(contact.Fields, rule.Condition.Field), rule.Condition.Operator, rule.Condition.Value)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		if ok {
			rows = append(rows, model.Association{RuleID: rule.ID, ScoreID: rule.ScoreID, ContactID: contact.ID, Points: rule.Points})
		}
	}
	return rows, nil
}

// fieldValue looks a field up by exact name first, then case-insensitively.
func fieldValue(fields map[string]string, name string) string {
	if v, ok := fields[name]; ok {
		return v
	}
	for k, v := range fields {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// activityCalculator awards points for logged activities of the rule's type.
type activityCalculator struct {
	contacts ContactSource
	now      func() time.Time
}

func (c *activityCalculator) Calculate(ctx context.Context, rule *model.Rule, contactIDs []model.ContactID) ([]model.Association, error) {
	cond := rule.Condition
	var since time.Time
	if cond.ValidityDays > 0 {
		since = c.now().Add(-time.Duration(cond.ValidityDays) * hoursPerDay * time.Hour)
	}
	activities, err := c.contacts.Activities(ctx, contactIDs, cond.ActivityType, since)
	if err != nil {
		return nil, fmt.Errorf("load activities: %w", err)
	}

	counts := make(map[model.ContactID]int)
	var order []model.ContactID
	for _, a := range activities {
		if cond.Operator != textcompare.None {
			ok, err := textcompare.Compare(a.Value, cond.Operator, cond.Value)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
			}
			if !ok {
				continue
			}
		}
		if counts[a.ContactID] == 0 {
			order = append(order, a.ContactID)
		}
		counts[a.ContactID]++
	}

	rows := make([]model.Association, 0, len(order))
	for _, id := range order {
		points := rule.Points
		if cond.Recurring {
			points = rule.Points * counts[id]
			if cond.MaxPoints > 0 && points > cond.MaxPoints {
				points = cond.MaxPoints
			}
		}
		rows = append(rows, model.Association{RuleID: rule.ID, ScoreID: rule.ScoreID, ContactID: id, Points: points})
	}
	return rows, nil
}
