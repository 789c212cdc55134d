package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Run server-side health checks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := adminClient().RunDiagnostics(rootCtx)
		if err != nil {
			return err
		}

		failed := 0
		for _, c := range res.Checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
				failed++
			}
			if c.Detail != "" {
				fmt.Printf("%-4s %-24s %s\n", mark, c.Name, c.Detail)
			} else {
				fmt.Printf("%-4s %s\n", mark, c.Name)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d checks failed", failed, len(res.Checks))
		}
		fmt.Printf("All %d checks passed\n", len(res.Checks))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
}
