package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ingestion queue statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := adminClient().GetIngestionStats(rootCtx)
		if err != nil {
			return err
		}

		fmt.Printf("Ingestion queue:\n")
		fmt.Printf("  pending:    %d\n", res.Pending)
		fmt.Printf("  processing: %d\n", res.Processing)
		fmt.Printf("  complete:   %d\n", res.Complete)
		fmt.Printf("  failed:     %d\n", res.Failed)
		if res.OldestWait != nil {
			fmt.Printf("  oldest pending: %s (%s ago)\n",
				res.OldestWait.Format(time.RFC3339),
				time.Since(*res.OldestWait).Round(time.Second))
		}
		for _, j := range res.LastFailed {
			msg := ""
			if j.Error != nil {
				msg = *j.Error
			}
			fmt.Printf("  failed %s: %s\n", j.JobID, msg)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
