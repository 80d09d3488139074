package convert

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/example/convbench/internal/config"
	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/runtime/ops"
	"github.com/example/convbench/internal/runtime/tensor"
)

// stage is one step of a compiled native plan.
type stage interface {
	apply(x *tensor.Tensor) (*tensor.Tensor, error)
}

// pipeline runs stages in order. Under fp16 every stage output is rounded to
// binary16.
type pipeline struct {
	stages []stage
	half   bool
}

func (p *pipeline) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return p.run(context.Background(), x)
}

// run checks ctx before each stage.
func (p *pipeline) run(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var err error

		x, err = s.apply(x)
		if err != nil {
			return nil, err
		}

		if p.half {
			tensor.RoundFloat16InPlace(x.RawData())
		}
	}

	return x, nil
}

type compiler struct {
	half    bool
	workers int
	counts  map[string]int
}

func buildNative(m *nn.Model, opts Options) (*Engine, error) {
	workers := opts.Workers
	if workers == 0 {
		workers = tensor.Workers()
	}

	c := &compiler{half: opts.FP16Mode, workers: workers, counts: map[string]int{}}

	root, err := c.sequence(flatten(m.Root, nil))
	if err != nil {
		return nil, fmt.Errorf("convert: compile %s: %w", m.Name, err)
	}

	heads := make([]*pipeline, 0, len(m.Heads))

	for _, h := range m.Heads {
		p, err := c.sequence(flatten(h.Layer, nil))
		if err != nil {
			return nil, fmt.Errorf("convert: compile %s head %s: %w", m.Name, h.Name, err)
		}

		heads = append(heads, p)
	}

	forward := func(ctx context.Context, x *tensor.Tensor) ([]*tensor.Tensor, error) {
		if c.half {
			x = tensor.RoundFloat16(x)
		}

		y, err := root.run(ctx, x)
		if err != nil {
			return nil, err
		}

		outs := []*tensor.Tensor{y}

		for _, h := range heads {
			hy, err := h.apply(y)
			if err != nil {
				return nil, err
			}

			outs = append(outs, hy)
		}

		return outs, nil
	}

	return &Engine{
		backend: config.BackendNative,
		summary: formatCounts(c.counts),
		forward: forward,
	}, nil
}

// formatCounts renders counts as space-separated key=value pairs in key
// order.
func formatCounts(counts map[string]int) string {
	keys := slices.Sorted(maps.Keys(counts))

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}

	return strings.Join(parts, " ")
}

// flatten inlines nested Sequentials so fusion can look across their
// boundaries.
func flatten(l nn.Layer, out []nn.Layer) []nn.Layer {
	s, ok := l.(*nn.Sequential)
	if !ok {
		return append(out, l)
	}

	for _, c := range s.Children() {
		out = flatten(c.Layer, out)
	}

	return out
}

func (c *compiler) sequence(layers []nn.Layer) (*pipeline, error) {
	kept := make([]nn.Layer, 0, len(layers))

	for _, l := range layers {
		if _, ok := l.(nn.Dropout); ok {
			c.counts["dropout_removed"]++
			continue
		}

		kept = append(kept, l)
	}

	p := &pipeline{half: c.half}

	for i := 0; i < len(kept); i++ {
		next := func() nn.Layer {
			if i+1 < len(kept) {
				return kept[i+1]
			}

			return nil
		}

		var (
			st  stage
			err error
		)

		switch l := kept[i].(type) {
		case *nn.Conv2d:
			var bn *nn.BatchNorm2d
			if b, ok := next().(*nn.BatchNorm2d); ok {
				bn = b
				i++
			}

			_, relu := next().(nn.ReLU)
			if relu {
				i++
			}

			st, err = c.conv(l, bn, relu)
		case *nn.BatchNorm2d:
			_, relu := next().(nn.ReLU)
			if relu {
				i++
			}

			st = c.affine(l, relu)
		case *nn.Linear:
			_, relu := next().(nn.ReLU)
			if relu {
				i++
			}

			st = c.linear(l, relu)
		default:
			st, err = c.compile(l)
		}

		if err != nil {
			return nil, err
		}

		p.stages = append(p.stages, st)
	}

	return p, nil
}

func (c *compiler) compile(l nn.Layer) (stage, error) {
	switch l := l.(type) {
	case *nn.Sequential:
		return c.sequence(flatten(l, nil))
	case nn.ReLU:
		c.counts["relu"]++
		return funcStage(ops.ReLU), nil
	case *nn.MaxPool2d:
		c.counts["maxpool"]++
		return layerStage{l}, nil
	case *nn.AvgPool2d:
		c.counts["avgpool"]++
		return layerStage{l}, nil
	case *nn.AdaptiveAvgPool2d:
		c.counts["adaptive_avgpool"]++
		return layerStage{l}, nil
	case nn.Flatten:
		c.counts["flatten"]++
		return layerStage{l}, nil
	case *nn.Residual:
		body, err := c.sequence(flatten(l.Body, nil))
		if err != nil {
			return nil, err
		}

		r := &residualStage{body: body}

		if l.Shortcut != nil {
			if r.shortcut, err = c.sequence(flatten(l.Shortcut, nil)); err != nil {
				return nil, err
			}
		}

		c.counts["residual_add_relu"]++

		return r, nil
	case *nn.Branches:
		arms, err := c.arms(l.Arms)
		if err != nil {
			return nil, err
		}

		c.counts["concat"]++

		return &concatStage{arms: arms}, nil
	case *nn.DenseBlock:
		layers, err := c.arms(l.Layers)
		if err != nil {
			return nil, err
		}

		c.counts["dense_block"]++

		return &denseStage{layers: layers}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedLayer, l)
	}
}

func (c *compiler) arms(named []nn.Named) ([]stage, error) {
	out := make([]stage, 0, len(named))

	for _, n := range named {
		p, err := c.sequence(flatten(n.Layer, nil))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}

		out = append(out, p)
	}

	return out, nil
}

func (c *compiler) round(t *tensor.Tensor) *tensor.Tensor {
	if c.half && t != nil {
		return tensor.RoundFloat16(t)
	}

	return t
}

// conv folds an optional following batch norm into the convolution weights
// and fuses an optional ReLU into the GEMM epilogue.
func (c *compiler) conv(l *nn.Conv2d, bn *nn.BatchNorm2d, relu bool) (stage, error) {
	params := l.Params()
	params.ReLU = relu
	params.Workers = c.workers

	kind := "conv"
	weight, bias := l.Weight, l.Bias

	if bn != nil {
		kind += "_bn"

		outCh := l.Weight.Dim(0)
		if bn.Weight.Dim(0) != outCh {
			return nil, fmt.Errorf("convert: batch norm with %d channels follows conv with %d outputs", bn.Weight.Dim(0), outCh)
		}

		scale, shift := ops.BatchNormAffine(bn.Weight.RawData(), bn.Bias.RawData(), bn.RunningMean.RawData(), bn.RunningVar.RawData(), bn.Eps)

		w := l.Weight.Data()
		per := len(w) / int(outCh)

		for oc := range int(outCh) {
			row := w[oc*per : (oc+1)*per]
			for i := range row {
				row[i] *= scale[oc]
			}
		}

		b := make([]float32, outCh)
		if l.Bias != nil {
			copy(b, l.Bias.RawData())
		}

		for oc := range b {
			b[oc] = b[oc]*scale[oc] + shift[oc]
		}

		var err error
		if weight, err = tensor.FromOwned(w, l.Weight.Shape()); err != nil {
			return nil, err
		}

		if bias, err = tensor.FromOwned(b, []int64{outCh}); err != nil {
			return nil, err
		}
	}

	if relu {
		kind += "_relu"
	}

	c.counts[kind]++

	return &convStage{weight: c.round(weight), bias: c.round(bias), params: params}, nil
}

func (c *compiler) affine(bn *nn.BatchNorm2d, relu bool) stage {
	scale, shift := ops.BatchNormAffine(bn.Weight.RawData(), bn.Bias.RawData(), bn.RunningMean.RawData(), bn.RunningVar.RawData(), bn.Eps)
	if c.half {
		tensor.RoundFloat16InPlace(scale)
		tensor.RoundFloat16InPlace(shift)
	}

	if relu {
		c.counts["bn_relu"]++
	} else {
		c.counts["bn"]++
	}

	return &affineStage{scale: scale, shift: shift, relu: relu}
}

func (c *compiler) linear(l *nn.Linear, relu bool) stage {
	if relu {
		c.counts["linear_relu"]++
	} else {
		c.counts["linear"]++
	}

	return &linearStage{weight: c.round(l.Weight), bias: c.round(l.Bias), relu: relu, workers: c.workers}
}

type funcStage func(*tensor.Tensor) (*tensor.Tensor, error)

func (f funcStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) { return f(x) }

// layerStage runs a parameter-free eager layer unchanged.
type layerStage struct{ nn.Layer }

func (s layerStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) { return s.Apply(x) }

type convStage struct {
	weight, bias *tensor.Tensor
	params       ops.Conv2DParams
}

func (s *convStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.Conv2D(x, s.weight, s.bias, s.params)
}

type affineStage struct {
	scale, shift []float32
	relu         bool
}

func (s *affineStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.ChannelAffine(x, s.scale, s.shift, s.relu)
}

type linearStage struct {
	weight, bias *tensor.Tensor
	relu         bool
	workers      int
}

func (s *linearStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.LinearWorkers(x, s.weight, s.bias, s.workers)
	if err != nil {
		return nil, err
	}

	if s.relu {
		ops.ReLUInPlace(y.RawData())
	}

	return y, nil
}

type residualStage struct {
	body     stage
	shortcut stage
}

func (s *residualStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := s.body.apply(x)
	if err != nil {
		return nil, err
	}

	identity := x
	if s.shortcut != nil {
		if identity, err = s.shortcut.apply(x); err != nil {
			return nil, err
		}
	}

	if !tensor.SameShape(y, identity) {
		return nil, fmt.Errorf("convert: residual shape mismatch %v vs %v", y.Shape(), identity.Shape())
	}

	out := y.Clone()
	tensor.Axpy(out.RawData(), 1, identity.RawData())
	ops.ReLUInPlace(out.RawData())

	return out, nil
}

type concatStage struct {
	arms []stage
}

func (s *concatStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, 0, len(s.arms))

	for _, arm := range s.arms {
		y, err := arm.apply(x)
		if err != nil {
			return nil, err
		}

		outs = append(outs, y)
	}

	return tensor.Concat(outs, 1)
}

type denseStage struct {
	layers []stage
}

func (s *denseStage) apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	features := []*tensor.Tensor{x}

	for _, l := range s.layers {
		in, err := tensor.Concat(features, 1)
		if err != nil {
			return nil, err
		}

		y, err := l.apply(in)
		if err != nil {
			return nil, err
		}

		features = append(features, y)
	}

	return tensor.Concat(features, 1)
}
