package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/convbench/internal/bench"
	"github.com/example/convbench/internal/config"
	"github.com/example/convbench/internal/harness"
	"github.com/example/convbench/internal/onnx"
	"github.com/example/convbench/internal/report"
	"github.com/example/convbench/internal/zoo"
)

// runFlags are the run-only flags shared by the root and run commands.
type runFlags struct {
	timings    string
	cpuProfile string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.timings, "timings", "", "Print per-variant timings after the report: table|json")
	cmd.Flags().StringVar(&f.cpuProfile, "cpuprofile", "", "Write a CPU profile labelled per case and stage")
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the catalog and append results to the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, flags)
		},
	}

	flags.register(cmd)

	return cmd
}

func runCommand(cmd *cobra.Command, flags runFlags) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}

	if flags.timings != "" && flags.timings != "table" && flags.timings != "json" {
		return errors.New("--timings must be 'table' or 'json'")
	}

	return runHarness(cmd.Context(), cfg, cmd.OutOrStdout(), flags)
}

func loadCatalog(cfg config.Config) (*harness.Catalog, error) {
	lib := zoo.Library{WeightsDir: cfg.Paths.WeightsDir}

	var (
		cat *harness.Catalog
		err error
	)

	if cfg.Paths.Catalog != "" {
		cat, err = harness.LoadCatalogFile(cfg.Paths.Catalog, lib)
	} else {
		cat, err = harness.DefaultCatalog(lib)
	}

	if err != nil {
		return nil, err
	}

	if len(cfg.Bench.Cases) > 0 {
		return cat.Filter(cfg.Bench.Cases)
	}

	return cat, nil
}

func newConverter(cfg config.Config) (harness.DefaultConverter, error) {
	conv := harness.DefaultConverter{
		Backend: cfg.Convert.Backend,
		Workers: cfg.Runtime.Threads,
	}

	info, err := onnx.Bootstrap(cfg.Runtime)
	if err != nil {
		if cfg.Convert.Backend == config.BackendONNX {
			return conv, err
		}

		slog.Debug("onnx runtime not available", "error", err)

		return conv, nil
	}

	slog.Debug("onnx runtime", "library", info.LibraryPath, "version", info.Version)
	conv.Runtime.LibraryPath = info.LibraryPath

	return conv, nil
}

func runHarness(ctx context.Context, cfg config.Config, stdout io.Writer, flags runFlags) (err error) {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	conv, err := newConverter(cfg)
	if err != nil {
		return err
	}

	if flags.cpuProfile != "" {
		stop, profErr := bench.StartCPUProfile(flags.cpuProfile)
		if profErr != nil {
			return profErr
		}

		defer func() {
			if stopErr := stop(); stopErr != nil && err == nil {
				err = stopErr
			}
		}()
	}

	rep := report.NewReporter(stdout, cfg.Report.Output, report.Options{WriteHeader: cfg.Report.WriteHeader})
	if err := rep.Begin(); err != nil {
		return err
	}

	var hist *report.History

	if cfg.Report.HistoryDB != "" {
		if hist, err = report.OpenHistory(cfg.Report.HistoryDB); err != nil {
			return err
		}

		defer func() {
			if closeErr := hist.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
	}

	runner := harness.NewRunner(conv, cfg.Bench.Iterations, slog.Default())

	sink := func(o harness.Outcome) error {
		if err := rep.Record(o); err != nil {
			return err
		}

		if hist == nil {
			return nil
		}

		return hist.Record(context.WithoutCancel(ctx), o)
	}

	outcomes, runErr := runner.RunAll(ctx, cat, sink)

	if cfg.Report.JSONPath != "" {
		if err := report.WriteJSON(cfg.Report.JSONPath, runner.RunID, outcomes); err != nil {
			return err
		}
	}

	if flags.timings != "" {
		if err := writeTimings(stdout, flags.timings, outcomes); err != nil {
			return err
		}
	}

	failures := strictFailures(outcomes)
	slog.Info("run finished", "run_id", runner.RunID, "cases", len(outcomes), "failed", len(failures))

	if runErr != nil {
		return runErr
	}

	if cfg.Bench.Strict && len(failures) > 0 {
		for _, f := range failures {
			_, _ = fmt.Fprintf(os.Stderr, "FAIL: %v\n", f)
		}

		return fmt.Errorf("%d of %d cases failed", len(failures), len(outcomes))
	}

	return nil
}

// strictFailures lists the cases that errored or exceeded their tolerance.
func strictFailures(outcomes []harness.Outcome) []error {
	var out []error

	for _, o := range outcomes {
		if !o.OK() {
			out = append(out, fmt.Errorf("%s: %w", o.Name, o.Err))
			continue
		}

		if err := bench.CheckMaxError(o.Name, o.Result.MaxError, o.Tolerance); err != nil {
			out = append(out, err)
		}
	}

	return out
}

func writeTimings(w io.Writer, format string, outcomes []harness.Outcome) error {
	var rows []bench.CaseTiming

	for _, o := range outcomes {
		if o.OK() {
			rows = append(rows, o.Result.Timings...)
		}
	}

	if format == "json" {
		return bench.FormatJSON(rows, w)
	}

	_, _ = fmt.Fprintln(w)
	bench.FormatTable(rows, w)

	return nil
}
