package nn

import (
	"fmt"

	"github.com/example/convbench/internal/runtime/ops"
	"github.com/example/convbench/internal/runtime/tensor"
)

// Conv2d is a 2D convolution. Weight is [out, in/groups, kH, kW].
type Conv2d struct {
	Weight   *tensor.Tensor
	Bias     *tensor.Tensor
	Stride   int64
	Padding  int64
	Dilation int64
	Groups   int64
}

// NewConv2d allocates a zero-initialised square-kernel convolution.
func NewConv2d(in, out, kernel, stride, padding int64, bias bool) *Conv2d {
	c := &Conv2d{
		Weight:  mustZeros(out, in, kernel, kernel),
		Stride:  stride,
		Padding: padding,
		Groups:  1,
	}
	if bias {
		c.Bias = mustZeros(out)
	}

	return c
}

func (c *Conv2d) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.Conv2D(x, c.Weight, c.Bias, c.Params())
}

// Params returns the kernel parameters in ops form.
func (c *Conv2d) Params() ops.Conv2DParams {
	return ops.Conv2DParams{Stride: c.Stride, Padding: c.Padding, Dilation: c.Dilation, Groups: c.Groups}
}

func (c *Conv2d) params() []namedTensor {
	out := []namedTensor{{"weight", &c.Weight}}
	if c.Bias != nil {
		out = append(out, namedTensor{"bias", &c.Bias})
	}

	return out
}

// BatchNorm2d uses running statistics only.
type BatchNorm2d struct {
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float32
}

// NewBatchNorm2d returns an identity-initialised batch norm over c channels.
func NewBatchNorm2d(c int64) *BatchNorm2d {
	return &BatchNorm2d{
		Weight:      mustFull(1, c),
		Bias:        mustZeros(c),
		RunningMean: mustZeros(c),
		RunningVar:  mustFull(1, c),
		Eps:         1e-5,
	}
}

func (b *BatchNorm2d) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.BatchNorm2D(x, b.Weight, b.Bias, b.RunningMean, b.RunningVar, b.Eps)
}

func (b *BatchNorm2d) params() []namedTensor {
	return []namedTensor{
		{"weight", &b.Weight},
		{"bias", &b.Bias},
		{"running_mean", &b.RunningMean},
		{"running_var", &b.RunningVar},
	}
}

type ReLU struct{}

func (ReLU) Apply(x *tensor.Tensor) (*tensor.Tensor, error) { return ops.ReLU(x) }

type MaxPool2d struct {
	ops.PoolParams
}

func (p *MaxPool2d) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.MaxPool2D(x, p.PoolParams)
}

type AvgPool2d struct {
	ops.PoolParams
}

func (p *AvgPool2d) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.AvgPool2D(x, p.PoolParams)
}

type AdaptiveAvgPool2d struct {
	H, W int64
}

func (p *AdaptiveAvgPool2d) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.AdaptiveAvgPool2D(x, p.H, p.W)
}

// Dropout is the identity at inference time.
type Dropout struct {
	P float32
}

func (Dropout) Apply(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

// Flatten collapses dimensions from Start onwards.
type Flatten struct {
	Start int
}

func (f Flatten) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Flatten(x, f.Start)
}

// Linear is y = x W^T + b with Weight [out, in].
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewLinear(in, out int64) *Linear {
	return &Linear{Weight: mustZeros(out, in), Bias: mustZeros(out)}
}

func (l *Linear) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) params() []namedTensor {
	out := []namedTensor{{"weight", &l.Weight}}
	if l.Bias != nil {
		out = append(out, namedTensor{"bias", &l.Bias})
	}

	return out
}

func mustZeros(shape ...int64) *tensor.Tensor {
	t, err := tensor.Zeros(shape)
	if err != nil {
		panic(fmt.Sprintf("nn: zeros %v: %v", shape, err))
	}

	return t
}

func mustFull(v float32, shape ...int64) *tensor.Tensor {
	t, err := tensor.Full(shape, v)
	if err != nil {
		panic(fmt.Sprintf("nn: full %v: %v", shape, err))
	}

	return t
}
