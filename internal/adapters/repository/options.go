package repository

import (
	"time"

	"github.com/okian/recalc/pkg/logger"
)

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithClock sets the clock stamping association and lease rows.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *SQLStore) {
		if l != nil {
			s.logger = l
		}
	}
}
