package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newSeedCmd creates the "recalc seed" subcommand.
func newSeedCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply a scores and rules YAML file",
		Long:  "Upserts the scores and rules in --file. Rules missing from the file are removed\nwith their associations, and changed scores are marked for recalculation.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := opts.startOneShot(ctx)
			if err != nil {
				return err
			}
			defer svc.Stop(context.Background())

			res, err := svc.Seed(ctx, file)
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "seeded %d scores, %d rules\n", res.Scores, res.Rules)
			if len(res.RemovedRules) > 0 {
				fmt.Fprintf(out, "removed rules: %v\n", res.RemovedRules)
			}
			if len(res.Changed) > 0 {
				fmt.Fprintf(out, "scores needing recalculation: %v\n", res.Changed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rules seed file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
