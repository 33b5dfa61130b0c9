package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/okian/recalc/internal/adapters/bus"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestBroker(t *testing.T) {
	Convey("Given a broker with subscribers", t, func() {
		ctx := context.Background()
		b := bus.New()
		var order []string
		b.Subscribe(bus.KindBatchReady, func(_ context.Context, msg bus.Message) error {
			order = append(order, "batch:"+string(msg.Kind))
			return nil
		})
		b.SubscribeAll(func(_ context.Context, msg bus.Message) error {
			order = append(order, "all:"+string(msg.Kind))
			return nil
		})

		Convey("When a batch is published", func() {
			msg := bus.NewMessage(bus.KindBatchReady)
			msg.BatchReady = &bus.BatchReady{Activities: []model.Activity{{ContactID: 1}}}
			err := b.Publish(ctx, msg)

			Convey("Then kind handlers run before catch-all handlers", func() {
				So(err, ShouldBeNil)
				So(order, ShouldResemble, []string{"batch:batch_ready", "all:batch_ready"})
			})
		})

		Convey("When a kind without specific handlers is published", func() {
			So(b.Publish(ctx, bus.Message{Kind: bus.KindLimitExceeded}), ShouldBeNil)
			So(order, ShouldResemble, []string{"all:limit_exceeded"})
		})

		Convey("When handlers fail or panic", func() {
			boom := errors.New("boom")
			b.Subscribe(bus.KindBatchReady, func(context.Context, bus.Message) error { return boom })
			b.Subscribe(bus.KindBatchReady, func(context.Context, bus.Message) error { panic("bad") })
			err := b.Publish(ctx, bus.Message{Kind: bus.KindBatchReady})

			Convey("Then every handler still runs and errors are joined", func() {
				So(errors.Is(err, boom), ShouldBeTrue)
				So(errors.Is(err, bus.ErrHandlerPanic), ShouldBeTrue)
				So(order, ShouldHaveLength, 2)
			})
		})

		Convey("When a failing handler is wrapped as best effort", func() {
			b.SubscribeAll(bus.BestEffort(func(context.Context, bus.Message) error {
				return errors.New("kafka down")
			}, logger.Nop()))

			So(b.Publish(ctx, bus.Message{Kind: bus.KindRecalculationStarted}), ShouldBeNil)
		})
	})
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	Convey("Given a Kafka sink over a fake writer", t, func() {
		w := &fakeWriter{}
		sink := bus.NewKafkaSinkWithWriter(w)

		Convey("When a message is handled", func() {
			msg := bus.NewMessage(bus.KindRecalculationFinished)
			msg.Recalculation = &bus.Recalculation{Kind: "full_recalculation", ScoreID: 3, Status: "ready"}
			So(sink.Handle(context.Background(), msg), ShouldBeNil)

			Convey("Then it is written as JSON keyed by kind", func() {
				So(w.msgs, ShouldHaveLength, 1)
				So(string(w.msgs[0].Key), ShouldEqual, "recalculation_finished")
				var decoded bus.Message
				So(json.Unmarshal(w.msgs[0].Value, &decoded), ShouldBeNil)
				So(decoded.ID, ShouldEqual, msg.ID)
				So(decoded.Recalculation.ScoreID, ShouldEqual, model.ScoreID(3))
			})
		})

		Convey("When the writer fails", func() {
			w.err = errors.New("no leader")
			err := sink.Handle(context.Background(), bus.NewMessage(bus.KindBatchReady))
			So(err, ShouldNotBeNil)
		})

		Convey("When the sink closes", func() {
			So(sink.Close(), ShouldBeNil)
			So(w.closed, ShouldBeTrue)
		})

		Convey("When no brokers are configured", func() {
			_, err := bus.NewKafkaSink(nil, "t")
			So(errors.Is(err, bus.ErrNoBrokers), ShouldBeTrue)
		})
	})
}
