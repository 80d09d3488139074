package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/convbench/internal/runtime/tensor"
)

// ReLU returns max(0, x) element-wise.
func ReLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: relu on nil tensor")
	}

	out := x.Data()
	ReLUInPlace(out)

	return tensor.FromOwned(out, x.Shape())
}

// ReLUInPlace clamps negative values of data to zero.
func ReLUInPlace(data []float32) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

// BatchNorm2D applies inference-mode batch normalization over the channel
// axis of an NCHW tensor:
//
//	y = (x - mean) / sqrt(var + eps) * gamma + beta
func BatchNorm2D(x, gamma, beta, mean, variance *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	if x == nil || gamma == nil || beta == nil || mean == nil || variance == nil {
		return nil, errors.New("ops: batchnorm2d requires non-nil input and statistics")
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ops: batchnorm2d input must be rank 4, got shape %v", x.Shape())
	}

	c := x.Dim(1)
	for _, p := range []*tensor.Tensor{gamma, beta, mean, variance} {
		if p.Rank() != 1 || p.Dim(0) != c {
			return nil, fmt.Errorf("ops: batchnorm2d parameter shape %v does not match channels %d", p.Shape(), c)
		}
	}

	scale, shift := BatchNormAffine(gamma.RawData(), beta.RawData(), mean.RawData(), variance.RawData(), eps)

	return ChannelAffine(x, scale, shift, false)
}

// ChannelAffine computes x*scale[c] + shift[c] over the channel axis of an
// NCHW tensor, optionally followed by ReLU.
func ChannelAffine(x *tensor.Tensor, scale, shift []float32, relu bool) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: channel affine on nil tensor")
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ops: channel affine input must be rank 4, got shape %v", x.Shape())
	}

	c := int(x.Dim(1))
	if len(scale) != c || len(shift) != c {
		return nil, fmt.Errorf("ops: channel affine has %d/%d coefficients for %d channels", len(scale), len(shift), c)
	}

	out := x.Data()
	plane := int(x.Dim(2) * x.Dim(3))

	for n := range int(x.Dim(0)) {
		for ch := range c {
			off := (n*c + ch) * plane
			dst := out[off : off+plane]

			for i, v := range dst {
				v = v*scale[ch] + shift[ch]
				if relu && v < 0 {
					v = 0
				}

				dst[i] = v
			}
		}
	}

	return tensor.FromOwned(out, x.Shape())
}

// BatchNormAffine reduces batch-norm statistics to a per-channel
// scale and shift so that y = x*scale + shift.
func BatchNormAffine(gamma, beta, mean, variance []float32, eps float32) (scale, shift []float32) {
	scale = make([]float32, len(gamma))
	shift = make([]float32, len(gamma))

	for i := range gamma {
		inv := float32(1 / math.Sqrt(float64(variance[i])+float64(eps)))
		scale[i] = gamma[i] * inv
		shift[i] = beta[i] - mean[i]*scale[i]
	}

	return scale, shift
}

// Add returns a + b for equal shapes, optionally followed by ReLU. It is
// the residual join used by ResNet blocks.
func Add(a, b *tensor.Tensor, relu bool) (*tensor.Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("ops: add requires non-nil inputs")
	}

	if !tensor.SameShape(a, b) {
		return nil, fmt.Errorf("ops: add shape mismatch %v vs %v", a.Shape(), b.Shape())
	}

	ad := a.RawData()
	bd := b.RawData()
	out := make([]float32, len(ad))

	for i := range out {
		v := ad[i] + bd[i]
		if relu && v < 0 {
			v = 0
		}

		out[i] = v
	}

	return tensor.FromOwned(out, a.Shape())
}
