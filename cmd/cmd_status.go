package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	service "github.com/okian/recalc/internal/app"
	"github.com/okian/recalc/internal/domain/model"
)

type statusReport struct {
	Stats  service.Stats `json:"stats"`
	Scores []model.Score `json:"scores"`
}

// newStatusCmd creates the "recalc status" subcommand.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scores and pending work",
		Long:  "Prints every score with its recalculation status, table sizes,\nand how many activities and contact changes wait in the queues.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := opts.startOneShot(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop(context.Background())

			stats, err := svc.Stats(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			scores, err := svc.Scores(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statusReport{Stats: stats, Scores: scores})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENABLED\tSTATUS\tLIMIT")
			for _, s := range scores {
				fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%d\n", s.ID, s.Name, s.Enabled, s.Status, s.NotificationLimit)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nrules %d  contacts %d  activities %d  associations %d\n",
				stats.Rules, stats.Contacts, stats.Activities, stats.Associations)
			fmt.Fprintf(out, "pending activities %d  pending contact changes %d\n",
				stats.PendingActivities, stats.PendingChanges)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
