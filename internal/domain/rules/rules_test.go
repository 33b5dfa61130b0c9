package rules_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/rules"
	"github.com/okian/recalc/internal/domain/textcompare"
	. "github.com/smartystreets/goconvey/convey"
)

type countingLoader struct {
	mu    sync.Mutex
	calls int
	rules []model.Rule
	err   error
}

func (l *countingLoader) EnabledScoreRules(context.Context) ([]model.Rule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return append([]model.Rule(nil), l.rules...), l.err
}

func TestCachedRules(t *testing.T) {
	Convey("Given a cache over a loader", t, func() {
		ctx := context.Background()
		loader := &countingLoader{rules: []model.Rule{
			{ID: 1, ScoreID: 1, Type: model.RuleTypeAttribute, Points: 5, Condition: model.Condition{Field: "city", Operator: textcompare.Equals, Value: "x"}},
			{ID: 2, ScoreID: 1, Type: model.RuleTypeActivity, Points: 1, Condition: model.Condition{ActivityType: "visit"}},
			{ID: 3, ScoreID: 1, Type: model.RuleTypeAttribute, Points: 1},
		}}
		cache := rules.NewCachedRules(loader)

		Convey("When rules are read twice", func() {
			first, err := cache.EnabledRules(ctx)
			So(err, ShouldBeNil)
			second, err := cache.EnabledRules(ctx)
			So(err, ShouldBeNil)

			Convey("Then the loader runs once and invalid rules are dropped", func() {
				So(loader.calls, ShouldEqual, 1)
				So(first, ShouldHaveLength, 2)
				So(second, ShouldResemble, first)
			})

			Convey("And callers get their own copy", func() {
				first[0].Points = 999
				again, _ := cache.EnabledRules(ctx)
				So(again[0].Points, ShouldEqual, 5)
			})
		})

		Convey("When the cache is invalidated", func() {
			_, _ = cache.EnabledRules(ctx)
			loader.rules = loader.rules[:1]
			cache.Invalidate()
			got, err := cache.EnabledRules(ctx)

			Convey("Then the next read reloads", func() {
				So(err, ShouldBeNil)
				So(loader.calls, ShouldEqual, 2)
				So(got, ShouldHaveLength, 1)
			})
		})

		Convey("When loading fails", func() {
			loader.err = errors.New("db down")
			_, err := cache.EnabledRules(ctx)

			Convey("Then the error is returned and nothing is cached", func() {
				So(err, ShouldNotBeNil)
				loader.err = nil
				got, err := cache.EnabledRules(ctx)
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 2)
			})
		})
	})
}
