package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/timeparsing"
)

var flushOlderThan string

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Delete settled ingestion staging rows older than a cutoff",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := timeparsing.DaysOld(flushOlderThan, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("--older-than: %w", err)
		}

		res, err := adminClient().FlushStaging(rootCtx, days)
		if err != nil {
			return err
		}
		fmt.Printf("Flushed %d staging rows older than %d days\n", res.DeletedCount, days)
		return nil
	},
}

func init() {
	flushCmd.Flags().StringVar(&flushOlderThan, "older-than", "7", "Cutoff age (days, 7d/1w, or a phrase)")
	rootCmd.AddCommand(flushCmd)
}
