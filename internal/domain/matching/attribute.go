package matching

import (
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/textcompare"
)

type fieldChange struct {
	contact model.ContactID
	old     string
	new     string
}

// attributeMatcher indexes the batch's contact changes by field name.
type attributeMatcher struct {
	byField map[string][]fieldChange
}

func newAttributeMatcher(_ []model.Activity, changes []model.ContactChange) Matcher {
	m := &attributeMatcher{byField: make(map[string][]fieldChange)}
	for _, c := range changes {
		for _, fc := range c.Changes {
			key := normalize(fc.Field)
			m.byField[key] = append(m.byField[key], fieldChange{contact: c.ContactID, old: fc.Old, new: fc.New})
		}
	}
	return m
}

// AffectedContacts returns contacts whose condition result flipped between
// the old and the new value. A comparison error keeps the contact so the
// calculator surfaces it.
func (m *attributeMatcher) AffectedContacts(rule *model.Rule) ContactSet {
	out := ContactSet{}
	for _, fc := range m.byField[normalize(rule.Condition.Field)] {
		before, errOld := textcompare.Compare(fc.old, rule.Condition.Operator, rule.Condition.Value)
		after, errNew := textcompare.Compare(fc.new, rule.Condition.Operator, rule.Condition.Value)
		if errOld != nil || errNew != nil || before != after {
			out[fc.contact] = struct{}{}
		}
	}
	return out
}
