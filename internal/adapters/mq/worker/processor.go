package worker

import (
	"context"
	"fmt"

	"github.com/okian/recalc/internal/adapters/bus"
	"github.com/okian/recalc/internal/adapters/mq/queue"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

// Processor drains the activity and contact-change queues and publishes
// each drained pair of batches as one BatchReady message.
type Processor struct {
	activities queue.Queue[model.Activity]
	changes    queue.Queue[model.ContactChange]
	publisher  bus.Publisher
	logger     logger.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(l logger.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a processor over the two queues.
func NewProcessor(activities queue.Queue[model.Activity], changes queue.Queue[model.ContactChange], publisher bus.Publisher, opts ...ProcessorOption) *Processor {
	p := &Processor{
		activities: activities,
		changes:    changes,
		publisher:  publisher,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessAllContactActions dequeues until both queues are empty. Every pass
// that yields work publishes one BatchReady message; subscribers run before
// the next pass. The first failure stops the drain and is returned. Items of
// a failed pass are not re-queued.
func (p *Processor) ProcessAllContactActions(ctx context.Context) error {
	for pass := 1; ; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		activities, err := p.activities.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("dequeue activities: %w", err)
		}
		changes, err := p.changes.Dequeue(ctx)
		if err != nil {
			// activities are already off their queue; hand them on before failing
			if len(activities) > 0 {
				if perr := p.publish(ctx, activities, nil); perr != nil {
					p.logger.Error(ctx, "publishing activities after failed change dequeue",
						logger.Int("activities", len(activities)), logger.Error(perr))
				}
			}
			return fmt.Errorf("dequeue contact changes: %w", err)
		}
		if len(activities) == 0 && len(changes) == 0 {
			return nil
		}
		metrics.RecordDrainPass()
		p.logger.Debug(ctx, "batch drained",
			logger.Int("pass", pass),
			logger.Int("activities", len(activities)),
			logger.Int("changes", len(changes)))
		if err := p.publish(ctx, activities, changes); err != nil {
			return err
		}
	}
}

func (p *Processor) publish(ctx context.Context, activities []model.Activity, changes []model.ContactChange) error {
	if activities == nil {
		activities = []model.Activity{}
	}
	if changes == nil {
		changes = []model.ContactChange{}
	}
	msg := bus.NewMessage(bus.KindBatchReady)
	msg.BatchReady = &bus.BatchReady{Activities: activities, Changes: changes}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish batch %s: %w", msg.ID, err)
	}
	return nil
}
