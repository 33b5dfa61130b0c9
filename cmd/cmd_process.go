package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newProcessCmd creates the "recalc process" subcommand.
func newProcessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Drain pending activities and contact changes once",
		Long:  "Runs one worker pass: takes batches from both queues until they are empty\nand recalculates the affected rules for the affected contacts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := opts.startOneShot(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop(context.Background())

			if err := svc.ProcessPending(ctx); err != nil {
				return fmt.Errorf("process: %w", err)
			}
			stats, err := svc.Stats(ctx)
			if err != nil {
				return fmt.Errorf("process: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed; pending activities %d, pending contact changes %d\n",
				stats.PendingActivities, stats.PendingChanges)
			return nil
		},
	}
}
