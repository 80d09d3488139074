package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/convbench/internal/report"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect report files",
	}

	cmd.AddCommand(newReportShowCmd())

	return cmd
}

func newReportShowCmd() *cobra.Command {
	var width int

	cmd := &cobra.Command{
		Use:   "show [file]",
		Short: "Render a report file as a terminal table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			path := cfg.Report.Output
			if len(args) == 1 {
				path = args[0]
			}

			rendered, err := report.RenderFile(path, width)
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)

			return err
		},
	}

	cmd.Flags().IntVar(&width, "width", 100, "Word-wrap width")

	return cmd
}
