package config_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/recalc/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New(context.Background())

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.QueueBackend, convey.ShouldEqual, config.QueueBackendSQLite)
			convey.So(cfg.DequeueBatchSize, convey.ShouldEqual, 10_000)
			convey.So(cfg.WorkerInterval(), convey.ShouldEqual, 10*time.Second)
			convey.So(cfg.SlowWarningThrottle(), convey.ShouldEqual, 24*time.Hour)
			convey.So(cfg.FullRecalculationTimeout(), convey.ShouldEqual, time.Hour)
			convey.So(cfg.WorkerLease(), convey.ShouldEqual, time.Duration(0))
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a valid config", t, func() {
		cfg := config.New(context.Background())

		cases := []struct {
			name   string
			mutate func(c *config.Config)
		}{
			{"empty addr", func(c *config.Config) { c.Addr = "" }},
			{"empty database path", func(c *config.Config) { c.DatabasePath = "" }},
			{"unknown backend", func(c *config.Config) { c.QueueBackend = "redis" }},
			{"negative capacity", func(c *config.Config) { c.QueueCapacity = -1 }},
			{"zero batch size", func(c *config.Config) { c.DequeueBatchSize = 0 }},
			{"zero interval", func(c *config.Config) { c.WorkerIntervalSeconds = 0 }},
			{"negative throttle", func(c *config.Config) { c.SlowWarningThrottleHours = -1 }},
			{"negative lease", func(c *config.Config) { c.WorkerLeaseSeconds = -5 }},
			{"zero full timeout", func(c *config.Config) { c.FullRecalculationTimeoutSeconds = 0 }},
			{"watch without file", func(c *config.Config) { c.WatchRulesFile = true }},
			{"brokers no topic", func(c *config.Config) { c.KafkaBrokers = []string{"k:9092"}; c.KafkaTopic = "" }},
			{"zero dedupe size", func(c *config.Config) { c.DedupeSize = 0 }},
		}
		for _, tc := range cases {
			convey.Convey("When it has "+tc.name, func() {
				c := *cfg
				tc.mutate(&c)

				convey.Convey("Then validation fails with ErrInvalidConfig", func() {
					convey.So(errors.Is(c.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
				})
			})
		}
	})
}
