// Package bus is the in-process message broker between the queue processor,
// the recalculators and outside listeners such as Kafka.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

// ErrHandlerPanic wraps a panic raised by a subscriber.
var ErrHandlerPanic = errors.New("bus handler panicked")

// Kind names a message type.
type Kind string

// Message kinds.
const (
	KindBatchReady            Kind = "batch_ready"
	KindRecalculationStarted  Kind = "recalculation_started"
	KindRecalculationFinished Kind = "recalculation_finished"
	KindLimitExceeded         Kind = "limit_exceeded"
)

// BatchReady carries one drained batch of queued work.
type BatchReady struct {
	Activities []model.Activity      `json:"activities"`
	Changes    []model.ContactChange `json:"changes"`
}

// Recalculation describes a recalculation start or finish.
type Recalculation struct {
	Kind       string            `json:"kind"`
	ScoreID    model.ScoreID     `json:"score_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Rules      []model.RuleID    `json:"rules,omitempty"`
	ContactIDs []model.ContactID `json:"contact_ids,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// LimitExceeded reports contacts whose total reached a score's limit.
type LimitExceeded struct {
	ScoreID  model.ScoreID        `json:"score_id"`
	Limit    int                  `json:"limit"`
	Contacts []model.ContactTotal `json:"contacts"`
}

// Message is the envelope published on the bus. Exactly one payload field
// matching Kind is set.
type Message struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Time          time.Time      `json:"time"`
	BatchReady    *BatchReady    `json:"batch_ready,omitempty"`
	Recalculation *Recalculation `json:"recalculation,omitempty"`
	LimitExceeded *LimitExceeded `json:"limit_exceeded,omitempty"`
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(kind Kind) Message {
	return Message{ID: uuid.NewString(), Kind: kind, Time: time.Now().UTC()}
}

// Handler receives messages.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Broker delivers each message synchronously to the handlers subscribed to
// its kind, then to the catch-all handlers, in subscription order. Every
// handler runs; their errors are joined.
type Broker struct {
	mu     sync.RWMutex
	byKind map[Kind][]Handler
	all    []Handler
	logger logger.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Broker with no subscribers.
func New(opts ...Option) *Broker {
	b := &Broker{byKind: make(map[Kind][]Handler), logger: logger.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for one kind.
func (b *Broker) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// SubscribeAll registers h for every kind.
func (b *Broker) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers msg and returns the joined handler errors.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[msg.Kind])+len(b.all))
	handlers = append(handlers, b.byKind[msg.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := deliver(ctx, h, msg); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		metrics.RecordBusMessage(string(msg.Kind), "error")
		b.logger.Warn(ctx, "bus delivery failed",
			logger.String("kind", string(msg.Kind)),
			logger.String("id", msg.ID),
			logger.Error(err),
		)
		return err
	}
	metrics.RecordBusMessage(string(msg.Kind), "ok")
	return nil
}

func deliver(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}

// BestEffort wraps h so its failures are logged instead of returned. Used
// for listeners whose outage must not fail the publisher.
func BestEffort(h Handler, l logger.Logger) Handler {
	return func(ctx context.Context, msg Message) error {
		if err := deliver(ctx, h, msg); err != nil {
			l.Warn(ctx, "best effort handler failed",
				logger.String("kind", string(msg.Kind)),
				logger.Error(err),
			)
		}
		return nil
	}
}
