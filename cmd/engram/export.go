package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/export"
)

var (
	exportCategory string
	exportFormat   string
	exportOutput   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export active memories to jsonl, json, or yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}

		res, err := adminClient().ExportMemories(rootCtx, exportCategory)
		if err != nil {
			return err
		}

		out := os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOutput, err)
			}
			defer f.Close()
			out = f
		}
		if err := export.Write(out, res.Memories, format); err != nil {
			return err
		}
		if out != os.Stdout {
			fmt.Printf("Exported %d memories to %s\n", res.Count, exportOutput)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportCategory, "category", "c", "", "Limit to one taxonomy branch (e.g. projects.myapp)")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "jsonl", "Output format: jsonl, json, yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "Output file (- for stdout)")
	rootCmd.AddCommand(exportCmd)
}
