package service

import (
	"context"

	"github.com/okian/recalc/internal/adapters/bus"
	"github.com/okian/recalc/internal/adapters/sideaction"
	"github.com/okian/recalc/internal/domain/recalc"
	"github.com/okian/recalc/pkg/logger"
)

// busObserver announces recalculations on the bus. It never vetoes.
type busObserver struct {
	publisher bus.Publisher
	logger    logger.Logger
}

func newBusObserver(publisher bus.Publisher, l logger.Logger) *busObserver {
	return &busObserver{publisher: publisher, logger: l}
}

func recalculationPayload(ev recalc.Event) *bus.Recalculation {
	p := &bus.Recalculation{Kind: string(ev.Kind), Rules: ev.Rules, ContactIDs: ev.ContactIDs}
	if ev.Score != nil {
		p.ScoreID = ev.Score.ID
		p.Status = ev.Score.Status.String()
	}
	return p
}

// Before implements recalc.Observer.
func (o *busObserver) Before(ctx context.Context, ev recalc.Event) bool {
	msg := bus.NewMessage(bus.KindRecalculationStarted)
	msg.Recalculation = recalculationPayload(ev)
	if err := o.publisher.Publish(ctx, msg); err != nil {
		o.logger.Warn(ctx, "publishing recalculation start", logger.Error(err))
	}
	return true
}

// After implements recalc.Observer. The message waits for the enclosing
// transaction, if any, to end.
func (o *busObserver) After(ctx context.Context, ev recalc.Event, err error) {
	msg := bus.NewMessage(bus.KindRecalculationFinished)
	msg.Recalculation = recalculationPayload(ev)
	if err != nil {
		msg.Recalculation.Error = err.Error()
	}
	sideaction.Run(ctx, "bus|"+msg.ID, func(ctx context.Context) {
		if perr := o.publisher.Publish(ctx, msg); perr != nil {
			o.logger.Warn(ctx, "publishing recalculation finish", logger.Error(perr))
		}
	})
}
