package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var primerRebuild bool

var primerCmd = &cobra.Command{
	Use:   "primer",
	Short: "Print the current system primer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := adminClient()

		if primerRebuild {
			res, err := client.RebuildPrimer(rootCtx)
			if err != nil {
				return err
			}
			fmt.Println(res.Message)
		}

		res, err := client.InitializeContext(rootCtx)
		if err != nil {
			return err
		}
		for _, e := range res.Results {
			if e.CategoryPath == "reference.system.primer" {
				fmt.Println(strings.TrimRight(e.Content, "\n"))
				return nil
			}
		}
		return fmt.Errorf("no active primer; run with --rebuild")
	},
}

func init() {
	primerCmd.Flags().BoolVar(&primerRebuild, "rebuild", false, "Force a primer rebuild first")
	rootCmd.AddCommand(primerCmd)
}
