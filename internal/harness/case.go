// Package harness runs conversion test cases: it builds each model, converts
// it, compares the two variants numerically and times them.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/convbench/internal/bench"
	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/runtime/tensor"
	"github.com/example/convbench/internal/zoo"
)

// Case describes one conversion test. Cases are registered in a Catalog and
// never mutated afterwards.
type Case struct {
	Name      string
	Factory   zoo.Factory
	Precision nn.Precision
	Device    nn.Device
	// Shapes lists one NCHW shape per model input.
	Shapes   [][]int64
	MaxError float64
	// Options are forwarded to the converter as keyword options.
	Options map[string]any
}

// Engine is a converted model.
type Engine interface {
	nn.Module
	Close() error
}

// Converter turns a prepared model into an Engine.
type Converter interface {
	Convert(ctx context.Context, m *nn.Model, inputs []*tensor.Tensor, kw map[string]any) (Engine, error)
}

// describer is implemented by engines that can summarize their plan.
type describer interface {
	Describe() string
}

// Result holds the metrics of a successful case.
type Result struct {
	MaxError    float64
	BaselineFPS float64
	EngineFPS   float64

	Timings []bench.CaseTiming
	Plan    string
}

// Run executes the case: prepare the model, build all-ones inputs, convert,
// compare outputs, then time iterations forward passes of each variant.
func (c Case) Run(ctx context.Context, conv Converter, iterations int) (Result, error) {
	if c.Factory == nil {
		return Result{}, fmt.Errorf("%s: no model factory", c.Name)
	}

	m, err := c.Factory()
	if err != nil {
		return Result{}, fmt.Errorf("%s: build model: %w", c.Name, err)
	}

	if err := m.To(c.Device); err != nil {
		return Result{}, fmt.Errorf("%s: %w", c.Name, err)
	}

	if err := m.Cast(c.Precision); err != nil {
		return Result{}, fmt.Errorf("%s: %w", c.Name, err)
	}

	m.Eval()

	inputs, err := c.Inputs()
	if err != nil {
		return Result{}, err
	}

	eng, err := conv.Convert(ctx, m, inputs, c.Options)
	if err != nil {
		return Result{}, fmt.Errorf("%s: convert: %w", c.Name, err)
	}
	defer eng.Close()

	want, err := m.Forward(ctx, inputs...)
	if err != nil {
		return Result{}, fmt.Errorf("%s: eager forward: %w", c.Name, err)
	}

	got, err := eng.Forward(ctx, inputs...)
	if err != nil {
		return Result{}, fmt.Errorf("%s: engine forward: %w", c.Name, err)
	}

	maxErr, err := MaxAbsError(want, got)
	if err != nil {
		return Result{}, fmt.Errorf("%s: compare outputs: %w", c.Name, err)
	}

	baseline, err := c.measure(ctx, "eager", m, inputs, iterations)
	if err != nil {
		return Result{}, err
	}

	accelerated, err := c.measure(ctx, "engine", eng, inputs, iterations)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		MaxError:    maxErr,
		BaselineFPS: baseline.Throughput(),
		EngineFPS:   accelerated.Throughput(),
		Timings: []bench.CaseTiming{
			bench.NewCaseTiming(c.Name, "eager", baseline),
			bench.NewCaseTiming(c.Name, "engine", accelerated),
		},
	}

	if d, ok := eng.(describer); ok {
		res.Plan = d.Describe()
	}

	return res, nil
}

func (c Case) measure(ctx context.Context, stage string, mod nn.Module, inputs []*tensor.Tensor, n int) (bench.Measurement, error) {
	var m bench.Measurement

	err := bench.Stage(ctx, c.Name, stage, func(ctx context.Context) error {
		var err error

		m, err = bench.Measure(ctx, n, func(ctx context.Context) error {
			_, err := mod.Forward(ctx, inputs...)
			return err
		})

		return err
	})
	if err != nil {
		return bench.Measurement{}, fmt.Errorf("%s: time %s: %w", c.Name, stage, err)
	}

	return m, nil
}

// Inputs builds one all-ones tensor per declared shape, rounded to the case
// precision.
func (c Case) Inputs() ([]*tensor.Tensor, error) {
	if len(c.Shapes) == 0 {
		return nil, fmt.Errorf("%s: no input shapes", c.Name)
	}

	out := make([]*tensor.Tensor, 0, len(c.Shapes))

	for _, shape := range c.Shapes {
		x, err := tensor.Ones(shape)
		if err != nil {
			return nil, fmt.Errorf("%s: input %v: %w", c.Name, shape, err)
		}

		if c.Precision == nn.Float16 {
			x = tensor.RoundFloat16(x)
		}

		out = append(out, x)
	}

	return out, nil
}

// MaxAbsError is the largest element-wise absolute difference over every
// position of two output tuples. A NaN anywhere makes the result NaN.
func MaxAbsError(a, b []*tensor.Tensor) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("output tuple length %d vs %d", len(a), len(b))
	}

	if len(a) == 0 {
		return 0, errors.New("empty output tuple")
	}

	var worst float64

	for i := range a {
		d, err := tensor.MaxAbsDiff(a[i], b[i])
		if err != nil {
			return 0, fmt.Errorf("output %d: %w", i, err)
		}

		if math.IsNaN(d) {
			return d, nil
		}

		worst = max(worst, d)
	}

	return worst, nil
}
