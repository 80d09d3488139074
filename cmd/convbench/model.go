package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/convbench/internal/model"
	"github.com/example/convbench/internal/onnx"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Export catalog models to ONNX and verify exported graphs",
	}

	cmd.AddCommand(newModelExportCmd())
	cmd.AddCommand(newModelVerifyCmd())

	return cmd
}

func newModelExportCmd() *cobra.Command {
	var (
		outDir       string
		dynamicBatch bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write one ONNX graph per catalog case plus a manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			_, err = model.Export(cmd.Context(), cat.Cases(), model.ExportOptions{
				OutDir:       outDir,
				DynamicBatch: dynamicBatch,
				Stdout:       cmd.OutOrStdout(),
			})

			return err
		},
	}

	cmd.Flags().StringVar(&outDir, "out-dir", filepath.Join("models", "onnx"), "Output directory for graphs and manifest")
	cmd.Flags().BoolVar(&dynamicBatch, "dynamic-batch", false, "Declare the batch dimension symbolic")

	return cmd
}

func newModelVerifyCmd() *cobra.Command {
	var manifest string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check manifest checksums and run each graph once on ONNX Runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			info, err := onnx.Bootstrap(cfg.Runtime)
			if err != nil {
				return err
			}

			return model.Verify(cmd.Context(), model.VerifyOptions{
				ManifestPath: manifest,
				Runtime:      onnx.RunnerConfig{LibraryPath: info.LibraryPath},
				Stdout:       cmd.OutOrStdout(),
				Stderr:       cmd.ErrOrStderr(),
			})
		},
	}

	cmd.Flags().StringVar(&manifest, "manifest", filepath.Join("models", "onnx", model.ManifestName), "Manifest written by model export")

	return cmd
}
