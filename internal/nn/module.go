// Package nn provides inference-mode neural network layers and the Model
// container used by the vision model zoo.
package nn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/convbench/internal/runtime/tensor"
)

// ErrDeviceUnavailable is returned when a model or tensor is moved to a device
// this build cannot execute on.
var ErrDeviceUnavailable = errors.New("nn: device unavailable")

// Module is anything invocable on an ordered tuple of tensors. A single
// output is a one-element tuple.
type Module interface {
	Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error)
}

// Layer is a single-input, single-output building block.
type Layer interface {
	Apply(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Named attaches a state-dict path segment to a child layer. An empty Name
// contributes no segment.
type Named struct {
	Name  string
	Layer Layer
}

// Parent is implemented by container layers.
type Parent interface {
	Children() []Named
}

type Precision int

const (
	Float32 Precision = iota
	Float16
)

func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("precision(%d)", int(p))
	}
}

// ParsePrecision accepts the names used in catalog files.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "fp32", "float":
		return Float32, nil
	case "float16", "fp16", "half":
		return Float16, nil
	default:
		return 0, fmt.Errorf("nn: unknown precision %q", s)
	}
}

type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
)

// ParseDevice accepts "cpu" and "cuda". Only cpu is executable.
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case CPU, CUDA:
		return d, nil
	case "":
		return CPU, nil
	default:
		return "", fmt.Errorf("nn: unknown device %q", s)
	}
}

// Model is a vision network: a root layer whose output is the first tuple
// element, plus optional heads that each add one more output computed from
// the root output.
//
// Layers implement inference semantics only. The training flag is tracked so
// that conversion can refuse models that were never put in eval mode.
type Model struct {
	Name  string
	Root  Layer
	Heads []Named

	device    Device
	precision Precision
	training  bool
}

// NewModel returns a float32 cpu model in training mode, like a freshly
// constructed torchvision network.
func NewModel(name string, root Layer, heads ...Named) *Model {
	return &Model{
		Name:      name,
		Root:      root,
		Heads:     heads,
		device:    CPU,
		precision: Float32,
		training:  true,
	}
}

func (m *Model) Device() Device       { return m.device }
func (m *Model) Precision() Precision { return m.precision }
func (m *Model) Training() bool       { return m.training }

// To moves the model to d.
func (m *Model) To(d Device) error {
	if d != CPU {
		return fmt.Errorf("%w: %q (model %s)", ErrDeviceUnavailable, d, m.Name)
	}

	m.device = d

	return nil
}

// Cast converts parameters to p. Casting to Float16 rounds every parameter
// to binary16 and makes containers round intermediate activations.
func (m *Model) Cast(p Precision) error {
	switch p {
	case Float32, Float16:
	default:
		return fmt.Errorf("nn: cast model %s: unsupported precision %v", m.Name, p)
	}

	half := p == Float16
	if half {
		for _, prm := range m.Params() {
			*prm.ptr = tensor.RoundFloat16(*prm.ptr)
		}
	}

	m.walk(func(l Layer) {
		if h, ok := l.(halfSetter); ok {
			h.setHalf(half)
		}
	})

	m.precision = p

	return nil
}

// Eval switches the model to inference mode and returns it.
func (m *Model) Eval() *Model {
	m.training = false
	return m
}

// Forward runs the model on a single NCHW input.
func (m *Model) Forward(ctx context.Context, inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(inputs) != 1 {
		return nil, fmt.Errorf("nn: model %s expects 1 input, got %d", m.Name, len(inputs))
	}

	x := inputs[0]
	if m.precision == Float16 {
		x = tensor.RoundFloat16(x)
	}

	y, err := m.Root.Apply(x)
	if err != nil {
		return nil, fmt.Errorf("nn: model %s: %w", m.Name, err)
	}

	outs := []*tensor.Tensor{m.round(y)}

	for _, h := range m.Heads {
		hy, err := h.Layer.Apply(y)
		if err != nil {
			return nil, fmt.Errorf("nn: model %s head %s: %w", m.Name, h.Name, err)
		}

		outs = append(outs, m.round(hy))
	}

	return outs, nil
}

func (m *Model) round(t *tensor.Tensor) *tensor.Tensor {
	if m.precision == Float16 {
		return tensor.RoundFloat16(t)
	}

	return t
}

func (m *Model) walk(fn func(Layer)) {
	Walk(m.Root, fn)

	for _, h := range m.Heads {
		Walk(h.Layer, fn)
	}
}

// Walk visits l and every descendant in depth-first order.
func Walk(l Layer, fn func(Layer)) {
	if l == nil {
		return
	}

	fn(l)

	if p, ok := l.(Parent); ok {
		for _, c := range p.Children() {
			Walk(c.Layer, fn)
		}
	}
}

type halfSetter interface {
	setHalf(bool)
}

func roundIf(half bool, t *tensor.Tensor) *tensor.Tensor {
	if half {
		return tensor.RoundFloat16(t)
	}

	return t
}
