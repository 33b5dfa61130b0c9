package testevents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/okian/recalc/pkg/logger"
)

const directoryPermission = 0o750

// Run executes a complete load run: health check, generation, submission,
// optional recalculation, ranking and verification.
func Run(ctx context.Context, cfg *Config, l logger.Logger) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	c := newClient(cfg.BaseURL, cfg.Timeout)

	l.Info(ctx, "starting load run",
		logger.String("base_url", cfg.BaseURL),
		logger.Int("activities", cfg.NumActivities),
		logger.Int("contacts", cfg.Contacts),
		logger.Int("workers", cfg.Workers),
		logger.Int64("score_id", cfg.ScoreID))

	if err := checkServiceHealth(ctx, c); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	acts, repeats := generateActivities(cfg, start)
	stats := &Stats{Generated: len(acts), Repeats: repeats}

	submitActivities(ctx, c, cfg, acts, stats, l)
	l.Info(ctx, "activities submitted",
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("failed", stats.Failed))

	if cfg.ScoreID > 0 {
		if err := recalculate(ctx, c, cfg, stats); err != nil {
			return stats, err
		}
		if err := fetchTop(ctx, c, cfg, stats); err != nil {
			return stats, err
		}
	}

	if cfg.OutputFile != "" {
		if err := saveActivities(cfg.OutputFile, acts); err != nil {
			l.Warn(ctx, "failed to save activities", logger.Error(err))
		}
	}

	stats.Duration = time.Since(start)
	displayFinalStats(ctx, stats, l)
	if err := verifyResults(stats); err != nil {
		return stats, err
	}
	l.Info(ctx, "load run completed")
	return stats, nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, c *client) error {
	status, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

// recalculate runs a full recalculation so totals include every posted
// activity, not only those the worker already drained.
func recalculate(ctx context.Context, c *client, cfg *Config, stats *Stats) error {
	var resp struct {
		Status string `json:"status"`
	}
	path := "/scores/" + strconv.FormatInt(cfg.ScoreID, 10) + "/recalculate?wait=true"
	status, err := c.do(ctx, http.MethodPost, path, nil, &resp)
	if err != nil {
		return fmt.Errorf("recalculate score %d: %w", cfg.ScoreID, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("recalculate score %d: status %d", cfg.ScoreID, status)
	}
	stats.Status = resp.Status
	return nil
}

func fetchTop(ctx context.Context, c *client, cfg *Config, stats *Stats) error {
	var resp struct {
		Contacts []Entry `json:"contacts"`
	}
	path := "/scores/" + strconv.FormatInt(cfg.ScoreID, 10) + "/top?n=" + strconv.Itoa(cfg.TopN)
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return fmt.Errorf("top contacts: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("top contacts: status %d", status)
	}
	stats.Top = resp.Contacts
	return nil
}

// saveActivities writes the posted activities as a JSON array.
func saveActivities(path string, acts []Activity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(acts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal activities: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func displayFinalStats(ctx context.Context, stats *Stats, l logger.Logger) {
	var perSecond float64
	if stats.Duration > 0 {
		perSecond = float64(stats.Submitted) / stats.Duration.Seconds()
	}
	fields := []logger.Field{
		logger.Int("generated", stats.Generated),
		logger.Int("repeats", stats.Repeats),
		logger.Int("submitted", stats.Submitted),
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("failed", stats.Failed),
		logger.Duration("duration", stats.Duration),
		logger.Float64("activities_per_second", perSecond),
	}
	if stats.Status != "" {
		fields = append(fields, logger.String("score_status", stats.Status), logger.Int("top_entries", len(stats.Top)))
	}
	l.Info(ctx, "final statistics", fields...)
}
