// Package config defines service configuration and how it is loaded.
//
// Conventions:
//   - New(ctx) returns a Config populated with defaults.
//   - Load(ctx) layers a YAML file and RECALC_* environment variables on top.
//   - Validation failures wrap ErrInvalidConfig.
package config

import (
	"context"
	"fmt"
	"time"
)

// Queue backends.
const (
	QueueBackendMemory = "memory"
	QueueBackendSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// DatabasePath is the SQLite file holding scores, rules, contacts and associations.
	DatabasePath string `koanf:"database_path"`

	// QueueBackend selects where pending activities and contact changes wait: memory or sqlite.
	QueueBackend string `koanf:"queue_backend"`
	// QueueCapacity bounds each pending queue; 0 means unbounded.
	QueueCapacity int `koanf:"queue_capacity"`
	// DequeueBatchSize is how many items one drain pass takes from each queue.
	DequeueBatchSize int `koanf:"dequeue_batch_size"`

	// WorkerIntervalSeconds is the background worker period. Read once at start.
	WorkerIntervalSeconds int `koanf:"worker_interval_seconds"`
	// SlowWarningThrottleHours limits how often a slow run is logged as a warning.
	SlowWarningThrottleHours int `koanf:"slow_warning_throttle_hours"`
	// WorkerLeaseSeconds enables a database lease so only one process drains queues. 0 disables it.
	WorkerLeaseSeconds int `koanf:"worker_lease_seconds"`

	// FullRecalculationTimeoutSeconds bounds the transaction of a full recalculation.
	FullRecalculationTimeoutSeconds int `koanf:"full_recalculation_timeout_seconds"`

	// RulesFile optionally seeds scores and rules from YAML at start.
	RulesFile string `koanf:"rules_file"`
	// WatchRulesFile reseeds when RulesFile changes.
	WatchRulesFile bool `koanf:"watch_rules_file"`

	// KafkaBrokers, when set, mirrors bus messages to KafkaTopic.
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`

	// DedupeSize sets the capacity of the activity and limit-notification dedupers.
	DedupeSize int `koanf:"dedupe_size"`
}

// New creates a Config with defaults. The context is reserved for future use.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:                        "info",
		LogFormat:                       "text",
		Addr:                            ":9080",
		DatabasePath:                    "recalc.db",
		QueueBackend:                    QueueBackendSQLite,
		QueueCapacity:                   0,
		DequeueBatchSize:                10_000,
		WorkerIntervalSeconds:           10,
		SlowWarningThrottleHours:        24,
		WorkerLeaseSeconds:              0,
		FullRecalculationTimeoutSeconds: 3600,
		KafkaTopic:                      "recalc-events",
		DedupeSize:                      100_000,
	}
}

// WorkerInterval returns the worker period.
func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.WorkerIntervalSeconds) * time.Second
}

// SlowWarningThrottle returns the minimum gap between slow-run warnings.
func (c *Config) SlowWarningThrottle() time.Duration {
	return time.Duration(c.SlowWarningThrottleHours) * time.Hour
}

// WorkerLease returns the lease duration; zero disables leasing.
func (c *Config) WorkerLease() time.Duration {
	return time.Duration(c.WorkerLeaseSeconds) * time.Second
}

// FullRecalculationTimeout returns the bound on a full recalculation transaction.
func (c *Config) FullRecalculationTimeout() time.Duration {
	return time.Duration(c.FullRecalculationTimeoutSeconds) * time.Second
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.DatabasePath == "":
		return fmt.Errorf("%w: database_path must not be empty", ErrInvalidConfig)
	case c.QueueBackend != QueueBackendMemory && c.QueueBackend != QueueBackendSQLite:
		return fmt.Errorf("%w: queue_backend %q", ErrInvalidConfig, c.QueueBackend)
	case c.QueueCapacity < 0:
		return fmt.Errorf("%w: queue_capacity must not be negative", ErrInvalidConfig)
	case c.DequeueBatchSize <= 0:
		return fmt.Errorf("%w: dequeue_batch_size must be positive", ErrInvalidConfig)
	case c.WorkerIntervalSeconds <= 0:
		return fmt.Errorf("%w: worker_interval_seconds must be positive", ErrInvalidConfig)
	case c.SlowWarningThrottleHours < 0:
		return fmt.Errorf("%w: slow_warning_throttle_hours must not be negative", ErrInvalidConfig)
	case c.WorkerLeaseSeconds < 0:
		return fmt.Errorf("%w: worker_lease_seconds must not be negative", ErrInvalidConfig)
	case c.FullRecalculationTimeoutSeconds <= 0:
		return fmt.Errorf("%w: full_recalculation_timeout_seconds must be positive", ErrInvalidConfig)
	case c.WatchRulesFile && c.RulesFile == "":
		return fmt.Errorf("%w: watch_rules_file needs rules_file", ErrInvalidConfig)
	case len(c.KafkaBrokers) > 0 && c.KafkaTopic == "":
		return fmt.Errorf("%w: kafka_topic must not be empty", ErrInvalidConfig)
	case c.DedupeSize <= 0:
		return fmt.Errorf("%w: dedupe_size must be positive", ErrInvalidConfig)
	}
	return nil
}
