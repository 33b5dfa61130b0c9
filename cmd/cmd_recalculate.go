package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/recalc/internal/domain/model"
)

// newRecalculateCmd creates the "recalc recalculate" subcommand.
func newRecalculateCmd(opts *rootOptions) *cobra.Command {
	var (
		scoreID int64
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Recalculate scores for all contacts",
		Long:  "Rebuilds the associations of one score (--score) or of every score (--all)\nfrom scratch and prints the status each one ends in.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (scoreID > 0) == all {
				return fmt.Errorf("recalculate: pass exactly one of --score or --all")
			}
			ctx := cmd.Context()
			svc, err := opts.startOneShot(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop(context.Background())

			ids := []model.ScoreID{model.ScoreID(scoreID)}
			if all {
				scores, err := svc.Scores(ctx)
				if err != nil {
					return fmt.Errorf("recalculate: %w", err)
				}
				ids = ids[:0]
				for _, s := range scores {
					ids = append(ids, s.ID)
				}
			}

			var failed int
			for _, id := range ids {
				status, err := svc.RecalculateScore(ctx, id)
				if err != nil {
					return fmt.Errorf("recalculate score %d: %w", id, err)
				}
				if status == model.StatusFailed {
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "score %d: %s\n", id, status)
			}
			if failed > 0 {
				return fmt.Errorf("recalculate: %d of %d scores failed", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&scoreID, "score", 0, "score id to recalculate")
	cmd.Flags().BoolVar(&all, "all", false, "recalculate every score")
	return cmd
}
