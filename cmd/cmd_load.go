package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/recalc/internal/testevents"
	"github.com/okian/recalc/pkg/logger"
)

const loadRunTimeout = 10 * time.Minute

// newLoadCmd creates the "recalc load" subcommand.
func newLoadCmd() *cobra.Command {
	cfg := &testevents.Config{}
	var verbose bool
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Post generated activities to a running service and verify the results",
		Long:  "Generates activities (some repeating earlier ids), posts them concurrently,\noptionally recalculates --score and checks the top contacts are consistently ordered.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.InitWithOptions(logger.Options{Output: os.Stderr}); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			if verbose {
				_ = logger.SetLevelString("debug")
			}
			if cfg.Seed == 0 {
				cfg.Seed = uint64(time.Now().UnixNano())
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), loadRunTimeout)
			defer cancel()
			stats, err := testevents.Run(ctx, cfg, logger.Named("load"))
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %d, duplicates %d, failed %d in %s\n",
				stats.Accepted, stats.Duplicates, stats.Failed, stats.Duration.Round(time.Millisecond))
			for i, e := range stats.Top {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d. contact %d: %d points\n", i+1, e.ContactID, e.Points)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:9080", "base URL of the service")
	f.IntVar(&cfg.NumActivities, "activities", 10_000, "number of activities to post")
	f.IntVar(&cfg.Contacts, "contacts", 1_000, "number of distinct contacts")
	f.Float64Var(&cfg.DuplicateRate, "duplicates", 0.05, "share of activities repeating an earlier id")
	f.Int64Var(&cfg.ScoreID, "score", 0, "score to recalculate and rank afterwards (0 skips)")
	f.IntVar(&cfg.TopN, "top", 10, "number of top contacts to fetch")
	f.IntVar(&cfg.Workers, "workers", runtime.NumCPU()*2, "number of concurrent posters")
	f.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "HTTP request timeout")
	f.Uint64Var(&cfg.Seed, "seed", 0, "generator seed (default: time based)")
	f.StringVar(&cfg.OutputFile, "output", "", "write posted activities to this JSON file")
	f.BoolVar(&verbose, "verbose", false, "log every failed post")
	return cmd
}
