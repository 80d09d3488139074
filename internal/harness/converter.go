package harness

import (
	"context"

	"github.com/example/convbench/internal/convert"
	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/onnx"
	"github.com/example/convbench/internal/runtime/tensor"
)

// DefaultConverter converts through convert.Convert. Backend and Workers
// apply when the case options do not set "backend" or "workers".
type DefaultConverter struct {
	Backend string
	Workers int
	Runtime onnx.RunnerConfig
}

func (d DefaultConverter) Convert(ctx context.Context, m *nn.Model, inputs []*tensor.Tensor, kw map[string]any) (Engine, error) {
	opts, err := convert.DecodeOptions(kw)
	if err != nil {
		return nil, err
	}

	if _, ok := kw["backend"]; !ok && d.Backend != "" {
		opts.Backend = d.Backend
	}

	if _, ok := kw["workers"]; !ok {
		opts.Workers = d.Workers
	}

	opts.Runtime = d.Runtime

	e, err := convert.Convert(ctx, m, inputs, opts)
	if err != nil {
		return nil, err
	}

	return e, nil
}
