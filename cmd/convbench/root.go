package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/convbench/internal/config"
	"github.com/example/convbench/internal/runtime/ops"
	"github.com/example/convbench/internal/runtime/tensor"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	var flags runFlags

	cmd := &cobra.Command{
		Use:   "convbench",
		Short: "Convert vision models and compare them against eager execution",
		Long: "convbench converts each catalog model with the selected backend, checks the\n" +
			"converted outputs against eager execution and appends one Markdown row per case\n" +
			"to the report file.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			tensor.SetWorkers(loaded.Runtime.Threads)
			ops.SetConvWorkers(loaded.Runtime.Threads)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, flags)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)
	flags.register(cmd)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newModelCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newHistoryCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := config.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if activeCfg.Report.Output == "" {
		return config.Config{}, errors.New("configuration not loaded")
	}

	return activeCfg, nil
}
