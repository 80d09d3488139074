package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/convbench/internal/config"
	"github.com/example/convbench/internal/doctor"
	"github.com/example/convbench/internal/onnx"
	"github.com/example/convbench/internal/zoo"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, weights and report checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "backend: %s\n", cfg.Convert.Backend)

			result := doctor.Run(doctorConfig(cfg), out)

			if result.Failed() {
				for _, f := range result.Failures() {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

func doctorConfig(cfg config.Config) doctor.Config {
	return doctor.Config{
		Runtime: func() (string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return "", err
			}

			return fmt.Sprintf("%s (version %s)", info.LibraryPath, info.Version), nil
		},
		SkipRuntime:        cfg.Convert.Backend == config.BackendNative,
		WeightsDir:         cfg.Paths.WeightsDir,
		ValidateCheckpoint: validateCheckpoint,
		ReportPath:         cfg.Report.Output,
		Threads:            cfg.Runtime.Threads,
	}
}

// validateCheckpoint loads path into the architecture named by its file name.
func validateCheckpoint(path string) error {
	name := strings.TrimSuffix(filepath.Base(path), ".safetensors")

	m, err := zoo.Build(name)
	if err != nil {
		return err
	}

	return zoo.LoadWeights(m, path)
}
