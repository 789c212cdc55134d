package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/timeparsing"
)

var pruneOlderThan string

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete superseded memory versions older than a cutoff",
	Long: `Deletes historical (superseded) memory rows whose replacement is older
than the cutoff. Active memories are never touched.

The cutoff accepts a day count (90), compact syntax (90d, 12w), or a natural
phrase ("3 months ago").`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := timeparsing.DaysOld(pruneOlderThan, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("--older-than: %w", err)
		}

		res, err := adminClient().PruneHistory(rootCtx, days)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d historical versions older than %d days\n", res.DeletedCount, days)
		return nil
	},
}

func init() {
	pruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "90", "Cutoff age (days, 90d/12w, or a phrase)")
	rootCmd.AddCommand(pruneCmd)
}
