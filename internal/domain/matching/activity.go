package matching

import (
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/textcompare"
)

// activityMatcher indexes the batch's activities by activity type.
type activityMatcher struct {
	byType map[string][]model.Activity
}

func newActivityMatcher(activities []model.Activity, _ []model.ContactChange) Matcher {
	m := &activityMatcher{byType: make(map[string][]model.Activity)}
	for _, a := range activities {
		key := normalize(a.Type)
		m.byType[key] = append(m.byType[key], a)
	}
	return m
}

func (m *activityMatcher) AffectedContacts(rule *model.Rule) ContactSet {
	out := ContactSet{}
	cond := rule.Condition
	for _, a := range m.byType[normalize(cond.ActivityType)] {
		if _, seen := out[a.ContactID]; seen {
			continue
		}
		if cond.Operator != textcompare.None {
			ok, err := textcompare.Compare(a.Value, cond.Operator, cond.Value)
			if err == nil && !ok {
				continue
			}
		}
		out[a.ContactID] = struct{}{}
	}
	return out
}
