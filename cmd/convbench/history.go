package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/convbench/internal/report"
)

func newHistoryCmd() *cobra.Command {
	var q report.Query

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past results from the history database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if cfg.Report.HistoryDB == "" {
				return errors.New("no history database configured (set --history or report.history_db)")
			}

			h, err := report.OpenHistory(cfg.Report.HistoryDB)
			if err != nil {
				return err
			}
			defer h.Close()

			entries, err := h.Entries(cmd.Context(), q)
			if err != nil {
				return err
			}

			return writeHistory(cmd.OutOrStdout(), entries, time.Now())
		},
	}

	cmd.Flags().StringVar(&q.Name, "name", "", "Only show this case")
	cmd.Flags().StringVar(&q.RunID, "run", "", "Only show this run ID")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "Maximum rows (0 = all)")

	return cmd
}

func writeHistory(w io.Writer, entries []report.Entry, now time.Time) error {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-16s  %-8s  %-32s  %-6s  %9s  %10s  %10s\n", "When", "Run", "Case", "Status", "MaxError", "FPS eager", "FPS conv")
	fmt.Fprintln(sb, strings.Repeat("-", 102))

	for _, e := range entries {
		status := "ok"
		if !e.OK {
			status = "failed"
		}

		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}

		fmt.Fprintf(sb, "%-16s  %-8s  %-32s  %-6s  %9s  %10s  %10s\n",
			humanize.RelTime(e.StartedAt, now, "ago", "from now"),
			run,
			e.Name,
			status,
			nullable(e.MaxError),
			nullable(e.BaselineFPS),
			nullable(e.EngineFPS),
		)

		if e.Error != "" {
			fmt.Fprintf(sb, "    %s\n", e.Error)
		}
	}

	_, err := io.WriteString(w, sb.String())

	return err
}

func nullable(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}

	return fmt.Sprintf("%.3g", v.Float64)
}
