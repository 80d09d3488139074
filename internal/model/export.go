package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/example/convbench/internal/harness"
	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/onnx"
)

type ExportOptions struct {
	OutDir string
	// DynamicBatch declares the batch dimension symbolic in every graph.
	DynamicBatch bool
	Stdout       io.Writer
}

// Export writes one ONNX graph per case into OutDir followed by the
// manifest. float16 cases get their initializers rounded to binary16.
func Export(ctx context.Context, cases []harness.Case, opts ExportOptions) (Manifest, error) {
	if opts.OutDir == "" {
		return Manifest{}, fmt.Errorf("out dir is required")
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create out dir: %w", err)
	}

	man := Manifest{Version: manifestVersion, Producer: "convbench"}

	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}

		g, err := exportCase(tc, opts)
		if err != nil {
			return Manifest{}, err
		}

		_, _ = fmt.Fprintf(opts.Stdout, "exported %s -> %s\n", tc.Name, g.Filename)
		man.Graphs = append(man.Graphs, g)
	}

	if _, err := WriteManifest(opts.OutDir, man); err != nil {
		return Manifest{}, err
	}

	return man, nil
}

func exportCase(tc harness.Case, opts ExportOptions) (Graph, error) {
	if len(tc.Shapes) != 1 {
		return Graph{}, fmt.Errorf("%s: export needs exactly one input, case has %d", tc.Name, len(tc.Shapes))
	}

	m, err := tc.Factory()
	if err != nil {
		return Graph{}, fmt.Errorf("%s: build model: %w", tc.Name, err)
	}

	if err := m.Cast(tc.Precision); err != nil {
		return Graph{}, fmt.Errorf("%s: %w", tc.Name, err)
	}

	m.Eval()

	inputs, err := tc.Inputs()
	if err != nil {
		return Graph{}, err
	}

	exp, err := onnx.Export(m, inputs[0], onnx.ExportOptions{
		GraphName:    tc.Name,
		RoundFloat16: tc.Precision == nn.Float16,
		DynamicBatch: opts.DynamicBatch,
	})
	if err != nil {
		return Graph{}, err
	}

	s, err := exp.WriteFile(opts.OutDir)
	if err != nil {
		return Graph{}, err
	}

	sum, err := fileSHA256(s.Path)
	if err != nil {
		return Graph{}, fmt.Errorf("%s: checksum: %w", tc.Name, err)
	}

	return Graph{
		Name:      tc.Name,
		Model:     m.Name,
		Precision: tc.Precision.String(),
		Filename:  filepath.Base(s.Path),
		SHA256:    sum,
		Inputs:    s.Inputs,
		Outputs:   s.Outputs,
		Ops:       exp.OpCounts,
	}, nil
}
