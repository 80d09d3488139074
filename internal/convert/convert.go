// Package convert turns an eager nn.Model into an accelerated Engine with
// the same call signature.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/convbench/internal/config"
	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/runtime/tensor"
)

var (
	// ErrUnsupportedLayer is returned when a backend cannot lower a layer.
	ErrUnsupportedLayer = errors.New("convert: unsupported layer")
	// ErrEngineClosed is returned by Forward after Close.
	ErrEngineClosed = errors.New("convert: engine closed")
)

type forwardFunc func(ctx context.Context, x *tensor.Tensor) ([]*tensor.Tensor, error)

// Engine is a converted model. Forward has the same signature as
// nn.Model.Forward.
type Engine struct {
	name     string
	backend  string
	summary  string
	maxBatch int64
	forward  forwardFunc
	release  func() error

	mu     sync.Mutex
	closed bool
}

var _ nn.Module = (*Engine)(nil)

// Convert builds an engine for m using inputs as the example tuple. The model
// must be in inference mode on the cpu device. The engine is run once on the
// example inputs before it is returned.
func Convert(ctx context.Context, m *nn.Model, inputs []*tensor.Tensor, opts Options) (*Engine, error) {
	if m == nil {
		return nil, errors.New("convert: nil model")
	}

	if err := opts.normalize(); err != nil {
		return nil, err
	}

	if m.Training() {
		return nil, fmt.Errorf("convert: model %s is in training mode", m.Name)
	}

	if m.Device() != nn.CPU {
		return nil, fmt.Errorf("convert: model %s: %w: %q", m.Name, nn.ErrDeviceUnavailable, m.Device())
	}

	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("convert: model %s expects 1 example input, got %d", m.Name, len(inputs))
	}

	if b := inputs[0].Dim(0); b > opts.MaxBatchSize {
		return nil, fmt.Errorf("convert: example batch %d exceeds max_batch_size %d", b, opts.MaxBatchSize)
	}

	var (
		e   *Engine
		err error
	)

	switch opts.Backend {
	case config.BackendNative:
		e, err = buildNative(m, opts)
	case config.BackendONNX:
		e, err = buildONNX(m, inputs[0], opts)
	default:
		err = fmt.Errorf("convert: unknown backend %q", opts.Backend)
	}

	if err != nil {
		return nil, err
	}

	e.name = m.Name
	e.maxBatch = opts.MaxBatchSize

	if err := e.validate(ctx, inputs, 1+len(m.Heads)); err != nil {
		_ = e.Close()
		return nil, err
	}

	slog.Debug("engine built", "model", m.Name, "backend", e.backend, "plan", e.summary)

	return e, nil
}

func (e *Engine) validate(ctx context.Context, inputs []*tensor.Tensor, wantOutputs int) error {
	outs, err := e.Forward(ctx, inputs...)
	if err != nil {
		return fmt.Errorf("convert: validate %s: %w", e.name, err)
	}

	if len(outs) != wantOutputs {
		return fmt.Errorf("convert: validate %s: engine returned %d outputs, model has %d", e.name, len(outs), wantOutputs)
	}

	for i, o := range outs {
		if o == nil {
			return fmt.Errorf("convert: validate %s: output %d is nil", e.name, i)
		}
	}

	return nil
}

// Forward runs the engine on a single input whose batch does not exceed
// the conversion-time max_batch_size.
func (e *Engine) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return nil, ErrEngineClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("convert: engine %s expects 1 input, got %d", e.name, len(inputs))
	}

	if b := inputs[0].Dim(0); b > e.maxBatch {
		return nil, fmt.Errorf("convert: engine %s: batch %d exceeds max_batch_size %d", e.name, b, e.maxBatch)
	}

	return e.forward(ctx, inputs[0])
}

// Close releases backend resources. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	e.closed = true

	if e.release != nil {
		return e.release()
	}

	return nil
}

func (e *Engine) Backend() string { return e.backend }

// Describe summarizes the compiled plan, e.g. the fused stage counts.
func (e *Engine) Describe() string { return e.summary }
