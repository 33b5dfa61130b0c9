package matching_test

import (
	"sort"
	"testing"

	"github.com/okian/recalc/internal/domain/matching"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/textcompare"
	. "github.com/smartystreets/goconvey/convey"
)

func sortedIDs(s matching.ContactSet) []model.ContactID {
	ids := s.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestFactory(t *testing.T) {
	Convey("Given the default factory", t, func() {
		f, err := matching.NewFactory()
		So(err, ShouldBeNil)

		Convey("When matchers are created for an empty batch", func() {
			matchers := f.CreateMatchers(nil, nil)

			Convey("Then every rule type has a matcher that affects nobody", func() {
				for _, rt := range model.RuleTypes {
					m, ok := matchers[rt]
					So(ok, ShouldBeTrue)
					rule := &model.Rule{Type: rt, Condition: model.Condition{Field: "City", Operator: textcompare.Equals, ActivityType: "page_visit"}}
					So(m.AffectedContacts(rule), ShouldBeEmpty)
				}
			})
		})
	})

	Convey("Given a builder that returns nil", t, func() {
		f, err := matching.NewFactory(matching.WithBuilder(model.RuleTypeActivity, nil))

		Convey("Then the built-in builder is kept", func() {
			So(err, ShouldBeNil)
			So(f, ShouldNotBeNil)
		})
	})
}

func TestAttributeMatcher(t *testing.T) {
	Convey("Given a batch of contact changes", t, func() {
		f, _ := matching.NewFactory()
		changes := []model.ContactChange{
			{ContactID: 1, Changes: []model.FieldChange{{Field: "City", Old: "Brno", New: "Prague"}}},
			{ContactID: 2, Changes: []model.FieldChange{{Field: "city", Old: "Prague", New: "PRAGUE"}}},
			{ContactID: 3, Changes: []model.FieldChange{{Field: "Email", Old: "", New: "x@y.z"}}},
			{ContactID: 4, Changes: []model.FieldChange{{Field: "City", Old: "Prague", New: ""}}},
		}
		m := f.CreateMatchers(nil, changes)[model.RuleTypeAttribute]

		Convey("When a rule tests the changed field", func() {
			rule := &model.Rule{Type: model.RuleTypeAttribute, Condition: model.Condition{Field: "CITY", Operator: textcompare.Equals, Value: "prague"}}

			Convey("Then only contacts whose result flipped are affected", func() {
				So(sortedIDs(m.AffectedContacts(rule)), ShouldResemble, []model.ContactID{1, 4})
			})
		})

		Convey("When a rule tests an unchanged field", func() {
			rule := &model.Rule{Type: model.RuleTypeAttribute, Condition: model.Condition{Field: "Phone", Operator: textcompare.NotEmpty}}

			Convey("Then nobody is affected", func() {
				So(m.AffectedContacts(rule), ShouldBeEmpty)
			})
		})

		Convey("When the rule carries an invalid operator", func() {
			rule := &model.Rule{Type: model.RuleTypeAttribute, Condition: model.Condition{Field: "Email", Operator: textcompare.Operator(77)}}

			Convey("Then the contact is kept for the calculator to report", func() {
				So(sortedIDs(m.AffectedContacts(rule)), ShouldResemble, []model.ContactID{3})
			})
		})
	})
}

func TestActivityMatcher(t *testing.T) {
	Convey("Given a batch of activities", t, func() {
		f, _ := matching.NewFactory()
		activities := []model.Activity{
			{ContactID: 10, Type: "page_visit", Value: "/pricing"},
			{ContactID: 10, Type: "page_visit", Value: "/pricing/enterprise"},
			{ContactID: 11, Type: "page_visit", Value: "/blog"},
			{ContactID: 12, Type: "Form_Submit", Value: "newsletter"},
		}
		m := f.CreateMatchers(activities, nil)[model.RuleTypeActivity]

		Convey("When the rule only names an activity type", func() {
			rule := &model.Rule{Type: model.RuleTypeActivity, Condition: model.Condition{ActivityType: "form_submit"}}
			So(sortedIDs(m.AffectedContacts(rule)), ShouldResemble, []model.ContactID{12})
		})

		Convey("When the rule also filters the activity value", func() {
			rule := &model.Rule{Type: model.RuleTypeActivity, Condition: model.Condition{ActivityType: "page_visit", Operator: textcompare.StartsWith, Value: "/pricing"}}
			So(sortedIDs(m.AffectedContacts(rule)), ShouldResemble, []model.ContactID{10})
		})
	})
}
