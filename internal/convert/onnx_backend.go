package convert

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/example/convbench/internal/config"
	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/onnx"
	"github.com/example/convbench/internal/runtime/tensor"
)

// buildONNX exports m to a temporary .onnx file and opens an ORT session on
// it. The file and session live until Engine.Close.
func buildONNX(m *nn.Model, example *tensor.Tensor, opts Options) (*Engine, error) {
	exp, err := onnx.Export(m, example, onnx.ExportOptions{
		GraphName:    m.Name,
		RoundFloat16: opts.FP16Mode,
		DynamicBatch: opts.MaxBatchSize > 1,
	})
	if err != nil {
		if errors.Is(err, onnx.ErrUnsupportedOp) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedLayer, err)
		}

		return nil, fmt.Errorf("convert: %w", err)
	}

	dir, err := os.MkdirTemp("", "convbench-onnx-*")
	if err != nil {
		return nil, fmt.Errorf("convert: onnx temp dir: %w", err)
	}

	session, err := exp.WriteFile(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("convert: %w", err)
	}

	rc := opts.Runtime
	if rc.LibraryPath == "" {
		rc.LibraryPath = os.Getenv("CONVBENCH_ORT_LIB")
	}

	runner, err := onnx.NewRunner(session, rc)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("convert: %w", err)
	}

	outputs := session.OutputNames()
	inputName := session.InputNames()[0]

	forward := func(ctx context.Context, x *tensor.Tensor) ([]*tensor.Tensor, error) {
		if opts.FP16Mode {
			x = tensor.RoundFloat16(x)
		}

		res, err := runner.Run(ctx, map[string]*tensor.Tensor{inputName: x})
		if err != nil {
			return nil, err
		}

		outs := make([]*tensor.Tensor, 0, len(outputs))

		for _, name := range outputs {
			t, ok := res[name]
			if !ok {
				return nil, fmt.Errorf("convert: onnx output %q missing", name)
			}

			if opts.FP16Mode {
				tensor.RoundFloat16InPlace(t.RawData())
			}

			outs = append(outs, t)
		}

		return outs, nil
	}

	return &Engine{
		backend: config.BackendONNX,
		summary: formatCounts(exp.OpCounts),
		forward: forward,
		release: func() error {
			runner.Close()
			return os.RemoveAll(dir)
		},
	}, nil
}
