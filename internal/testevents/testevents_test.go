package testevents

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/recalc/internal/adapters/http/api"
	service "github.com/okian/recalc/internal/app"
	"github.com/okian/recalc/internal/config"
	"github.com/okian/recalc/pkg/logger"
)

const rulesYAML = `
scores:
  - id: 1
    name: Engaged
    enabled: true
    rules:
      - id: 1
        name: Pricing visits
        type: activity
        points: 2
        condition: {activity_type: visit, operator: startswith, value: /pricing, recurring: true, max_points: 10}
      - id: 2
        name: Demo request
        type: activity
        points: 5
        condition: {activity_type: form_submit, operator: equals, value: demo-request}
`

func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rules, []byte(rulesYAML), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	cfg := config.New(context.Background())
	cfg.DatabasePath = filepath.Join(dir, "recalc.db")
	cfg.RulesFile = rules
	cfg.QueueBackend = config.QueueBackendMemory

	svc := service.New(cfg, service.WithoutBackground())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(svc).Handler(context.Background()))
	t.Cleanup(func() {
		srv.Close()
		svc.Stop(context.Background())
	})
	return srv.URL
}

func TestGenerateActivities(t *testing.T) {
	Convey("Given a generator config", t, func() {
		cfg := &Config{NumActivities: 500, Contacts: 20, DuplicateRate: 0.2, Seed: 7}
		now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

		Convey("When activities are generated", func() {
			acts, repeats := generateActivities(cfg, now)

			Convey("Then repeats reuse earlier ids and contacts stay in range", func() {
				So(acts, ShouldHaveLength, 500)
				ids := make(map[string]bool)
				for _, a := range acts {
					ids[a.ActivityID] = true
					So(a.ContactID, ShouldBeBetweenOrEqual, 1, 20)
					So(a.Type, ShouldNotBeEmpty)
				}
				So(len(ids), ShouldEqual, 500-repeats)
				So(repeats, ShouldBeGreaterThan, 0)
			})
		})
	})
}

func TestVerifyTop(t *testing.T) {
	Convey("Given top contact lists", t, func() {
		Convey("Then descending points with ties by contact id pass", func() {
			So(verifyTop([]Entry{{3, 10}, {1, 6}, {2, 6}}), ShouldBeNil)
			So(verifyTop(nil), ShouldBeNil)
		})

		Convey("Then misordered or repeated contacts fail", func() {
			So(errors.Is(verifyTop([]Entry{{1, 2}, {2, 6}}), ErrVerification), ShouldBeTrue)
			So(errors.Is(verifyTop([]Entry{{2, 6}, {1, 6}}), ErrVerification), ShouldBeTrue)
			So(errors.Is(verifyTop([]Entry{{1, 6}, {1, 6}}), ErrVerification), ShouldBeTrue)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a running service", t, func() {
		url := startServer(t)
		cfg := &Config{
			BaseURL:       url,
			NumActivities: 300,
			Contacts:      25,
			DuplicateRate: 0.1,
			ScoreID:       1,
			TopN:          10,
			Workers:       4,
			Timeout:       10 * time.Second,
			Seed:          42,
			OutputFile:    filepath.Join(t.TempDir(), "out", "activities.json"),
		}

		Convey("When a load run completes", func() {
			stats, err := Run(context.Background(), cfg, logger.Nop())

			Convey("Then every activity is accounted for and the ranking is consistent", func() {
				So(err, ShouldBeNil)
				So(stats.Submitted, ShouldEqual, 300)
				So(stats.Accepted+stats.Duplicates, ShouldEqual, 300)
				So(stats.Duplicates, ShouldEqual, stats.Repeats)
				So(stats.Status, ShouldEqual, "ready")
				So(stats.Top, ShouldNotBeEmpty)
				So(len(stats.Top), ShouldBeLessThanOrEqualTo, 10)

				_, statErr := os.Stat(cfg.OutputFile)
				So(statErr, ShouldBeNil)
			})
		})

		Convey("When the config is invalid", func() {
			cfg.Workers = 0
			_, err := Run(context.Background(), cfg, logger.Nop())

			Convey("Then nothing is sent", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})

	Convey("Given no service", t, func() {
		cfg := &Config{BaseURL: "http://127.0.0.1:1", NumActivities: 1, Contacts: 1, Workers: 1, Timeout: time.Second}

		Convey("Then the health check fails", func() {
			_, err := Run(context.Background(), cfg, logger.Nop())
			So(err, ShouldNotBeNil)
		})
	})
}
