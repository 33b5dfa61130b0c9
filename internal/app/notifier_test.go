package service

import (
	"context"
	"errors"
	"testing"

	"github.com/okian/recalc/internal/adapters/bus"
	"github.com/okian/recalc/internal/adapters/sideaction"
	"github.com/okian/recalc/internal/domain/dedupe"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/internal/domain/recalc"
	"github.com/okian/recalc/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeTotals struct {
	totals []model.ContactTotal
	err    error
	min    int
}

func (f *fakeTotals) ContactsAtOrAbove(_ context.Context, _ model.ScoreID, minPoints int) ([]model.ContactTotal, error) {
	f.min = minPoints
	return f.totals, f.err
}

type fakePublisher struct {
	msgs []bus.Message
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, msg bus.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestLimitNotifier(t *testing.T) {
	Convey("Given a limit notifier", t, func() {
		ctx := context.Background()
		totals := &fakeTotals{totals: []model.ContactTotal{{ContactID: 1, Points: 30}, {ContactID: 2, Points: 20}}}
		pub := &fakePublisher{}
		n := newLimitNotifier(totals, dedupe.NewInMemoryDeduper(), pub, logger.Nop())
		score := &model.Score{ID: 5, Enabled: true, NotificationLimit: 20}

		Convey("When contacts reach the limit twice", func() {
			So(n.NotifyLimitExceeded(ctx, score), ShouldBeNil)
			totals.totals = append(totals.totals, model.ContactTotal{ContactID: 3, Points: 25})
			So(n.NotifyLimitExceeded(ctx, score), ShouldBeNil)

			Convey("Then each contact is reported once", func() {
				So(totals.min, ShouldEqual, 20)
				So(pub.msgs, ShouldHaveLength, 2)
				So(pub.msgs[0].Kind, ShouldEqual, bus.KindLimitExceeded)
				So(pub.msgs[0].LimitExceeded.Contacts, ShouldHaveLength, 2)
				So(pub.msgs[1].LimitExceeded.Contacts, ShouldResemble, []model.ContactTotal{{ContactID: 3, Points: 25}})
			})
		})

		Convey("When the score has no limit", func() {
			score.NotificationLimit = 0

			Convey("Then nothing is loaded or published", func() {
				So(n.NotifyLimitExceeded(ctx, score), ShouldBeNil)
				So(totals.min, ShouldEqual, 0)
				So(pub.msgs, ShouldBeEmpty)
			})
		})

		Convey("When publishing fails", func() {
			pub.err = errors.New("down")
			err := n.NotifyLimitExceeded(ctx, score)
			pub.err = nil

			Convey("Then the contacts are reported on the next attempt", func() {
				So(err, ShouldNotBeNil)
				So(n.NotifyLimitExceeded(ctx, score), ShouldBeNil)
				So(pub.msgs, ShouldHaveLength, 1)
				So(pub.msgs[0].LimitExceeded.Contacts, ShouldHaveLength, 2)
			})
		})

		Convey("When totals cannot be loaded", func() {
			totals.err = errors.New("locked")

			Convey("Then the error is returned", func() {
				So(n.NotifyLimitExceeded(ctx, score), ShouldNotBeNil)
			})
		})
	})
}

func TestBusObserver(t *testing.T) {
	Convey("Given a bus observer", t, func() {
		pub := &fakePublisher{}
		o := newBusObserver(pub, logger.Nop())
		score := &model.Score{ID: 2, Status: model.StatusRecalculating}
		ev := recalc.Event{Kind: recalc.EventFullRecalculation, Score: score}

		Convey("When a recalculation starts and fails", func() {
			ok := o.Before(context.Background(), ev)
			score.Status = model.StatusFailed
			o.After(context.Background(), ev, errors.New("boom"))

			Convey("Then both messages are published without a veto", func() {
				So(ok, ShouldBeTrue)
				So(pub.msgs, ShouldHaveLength, 2)
				So(pub.msgs[0].Kind, ShouldEqual, bus.KindRecalculationStarted)
				So(pub.msgs[0].Recalculation.Status, ShouldEqual, "recalculating")
				So(pub.msgs[1].Recalculation.ScoreID, ShouldEqual, model.ScoreID(2))
				So(pub.msgs[1].Recalculation.Status, ShouldEqual, "failed")
				So(pub.msgs[1].Recalculation.Error, ShouldEqual, "boom")
			})
		})

		Convey("When a batch finishes inside a transaction hold", func() {
			ctx, held := sideaction.Hold(context.Background())
			o.After(ctx, recalc.Event{Kind: recalc.EventBatchRecalculation, Rules: []model.RuleID{1}}, nil)

			Convey("Then the message waits for release", func() {
				So(pub.msgs, ShouldBeEmpty)
				held.Release(context.Background())
				So(pub.msgs, ShouldHaveLength, 1)
				So(pub.msgs[0].Recalculation.Rules, ShouldResemble, []model.RuleID{1})
			})
		})

		Convey("When publishing fails", func() {
			pub.err = errors.New("down")

			Convey("Then the recalculation still proceeds", func() {
				So(o.Before(context.Background(), ev), ShouldBeTrue)
				So(func() { o.After(context.Background(), ev, nil) }, ShouldNotPanic)
			})
		})
	})
}
