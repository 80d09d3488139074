package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/convbench/internal/harness"
)

func newListCmd() *cobra.Command {
	var noParams bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog cases with their parameter counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			return listCases(cmd.OutOrStdout(), cat, !noParams)
		},
	}

	cmd.Flags().BoolVar(&noParams, "no-params", false, "Skip building each model to count its parameters")

	return cmd
}

func listCases(w io.Writer, cat *harness.Catalog, params bool) error {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-32s  %-8s  %-18s  %9s  %14s\n", "Case", "Prec", "Shapes", "MaxError", "Params")
	fmt.Fprintln(sb, strings.Repeat("-", 89))

	for _, tc := range cat.Cases() {
		count := "-"

		if params {
			m, err := tc.Factory()
			if err != nil {
				return fmt.Errorf("build %s: %w", tc.Name, err)
			}

			n := m.ParamCount()
			count = fmt.Sprintf("%s (%s)", humanize.SIWithDigits(float64(n), 1, ""), humanize.Comma(n))
		}

		fmt.Fprintf(sb, "%-32s  %-8s  %-18s  %9.3g  %14s\n", tc.Name, tc.Precision, formatShapes(tc.Shapes), tc.MaxError, count)
	}

	_, err := io.WriteString(w, sb.String())

	return err
}

func formatShapes(shapes [][]int64) string {
	parts := make([]string, len(shapes))

	for i, s := range shapes {
		dims := make([]string, len(s))
		for j, d := range s {
			dims[j] = fmt.Sprint(d)
		}

		parts[i] = strings.Join(dims, "x")
	}

	return strings.Join(parts, ",")
}
