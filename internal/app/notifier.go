package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/okian/recalc/internal/adapters/bus"
	"github.com/okian/recalc/internal/domain/dedupe"
	"github.com/okian/recalc/internal/domain/model"
	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

// totalsReader lists contacts at or above a points threshold.
type totalsReader interface {
	ContactsAtOrAbove(ctx context.Context, scoreID model.ScoreID, minPoints int) ([]model.ContactTotal, error)
}

// limitNotifier publishes contacts that reached a score's notification
// limit. Each (score, contact) pair is reported once per process lifetime,
// bounded by the deduper size.
type limitNotifier struct {
	totals    totalsReader
	seen      dedupe.Deduper
	publisher bus.Publisher
	logger    logger.Logger
}

func newLimitNotifier(totals totalsReader, seen dedupe.Deduper, publisher bus.Publisher, l logger.Logger) *limitNotifier {
	return &limitNotifier{totals: totals, seen: seen, publisher: publisher, logger: l}
}

// NotifyLimitExceeded implements recalc.LimitNotifier.
func (n *limitNotifier) NotifyLimitExceeded(ctx context.Context, score *model.Score) error {
	if score.NotificationLimit <= 0 {
		return nil
	}
	totals, err := n.totals.ContactsAtOrAbove(ctx, score.ID, score.NotificationLimit)
	if err != nil {
		return fmt.Errorf("load totals of score %d: %w", score.ID, err)
	}

	scoreKey := strconv.FormatInt(int64(score.ID), 10)
	var fresh []model.ContactTotal
	var keys []string
	for _, t := range totals {
		key := dedupe.Key("limit", scoreKey, strconv.FormatInt(int64(t.ContactID), 10))
		if n.seen.SeenAndRecord(ctx, key) {
			continue
		}
		fresh = append(fresh, t)
		keys = append(keys, key)
	}
	if len(fresh) == 0 {
		return nil
	}

	msg := bus.NewMessage(bus.KindLimitExceeded)
	msg.LimitExceeded = &bus.LimitExceeded{ScoreID: score.ID, Limit: score.NotificationLimit, Contacts: fresh}
	if err := n.publisher.Publish(ctx, msg); err != nil {
		for _, k := range keys {
			n.seen.Unrecord(ctx, k)
		}
		return fmt.Errorf("publish limit notification: %w", err)
	}
	metrics.RecordLimitNotifications(len(fresh))
	n.logger.Info(ctx, "limit exceeded",
		logger.Int64("score", int64(score.ID)),
		logger.Int("limit", score.NotificationLimit),
		logger.Int("contacts", len(fresh)))
	return nil
}
