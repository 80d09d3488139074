package ops

import (
	"errors"
	"fmt"

	"github.com/example/convbench/internal/runtime/tensor"
)

// Conv2DParams configures Conv2D. Stride, padding and dilation are applied
// symmetrically to both spatial axes.
type Conv2DParams struct {
	Stride   int64
	Padding  int64
	Dilation int64
	Groups   int64

	// ReLU applies max(0, x) to every output element, fused into the GEMM.
	ReLU bool
	// Workers bounds the goroutines used over output channels. Zero selects
	// the package default set by SetConvWorkers.
	Workers int
}

func (p Conv2DParams) withDefaults() Conv2DParams {
	if p.Stride == 0 {
		p.Stride = 1
	}

	if p.Dilation == 0 {
		p.Dilation = 1
	}

	if p.Groups == 0 {
		p.Groups = 1
	}

	if p.Workers == 0 {
		p.Workers = getConvWorkers()
	}

	return p
}

type conv2DShape struct {
	batch, inCh, inH, inW     int64
	outCh, kH, kW, outH, outW int64
	inPerGroup, outPerGroup   int64
}

// Conv2D performs a deterministic CPU 2D convolution.
// input: [batch, in_channels, H, W]
// kernel: [out_channels, in_channels/groups, kH, kW]
// bias: [out_channels] or nil
func Conv2D(input, kernel, bias *tensor.Tensor, p Conv2DParams) (*tensor.Tensor, error) {
	p = p.withDefaults()

	s, err := prepareConv2D(input, kernel, bias, p)
	if err != nil {
		return nil, err
	}

	out := make([]float32, s.batch*s.outCh*s.outH*s.outW)

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	conv2DIm2Col(input.RawData(), kernel.RawData(), biasData, out, s, p)

	return tensor.FromOwned(out, []int64{s.batch, s.outCh, s.outH, s.outW})
}

// OutputSize returns the spatial output length of a convolution or pooling
// window along one axis.
func OutputSize(in, kernel, stride, padding, dilation int64, ceilMode bool) int64 {
	eff := dilation*(kernel-1) + 1
	span := in + 2*padding - eff

	if span < 0 {
		return 0
	}

	n := span / stride
	if ceilMode && span%stride != 0 {
		n++
		// The last window must start inside the input or left padding.
		if n*stride >= in+padding {
			n--
		}
	}

	return n + 1
}

func prepareConv2D(input, kernel, bias *tensor.Tensor, p Conv2DParams) (conv2DShape, error) {
	if input == nil || kernel == nil {
		return conv2DShape{}, errors.New("ops: conv2d requires non-nil input/kernel")
	}

	if input.Rank() != 4 {
		return conv2DShape{}, fmt.Errorf("ops: conv2d input must be rank 4 [N,C,H,W], got shape %v", input.Shape())
	}

	if kernel.Rank() != 4 {
		return conv2DShape{}, fmt.Errorf("ops: conv2d kernel must be rank 4, got shape %v", kernel.Shape())
	}

	if p.Stride < 1 || p.Dilation < 1 || p.Padding < 0 {
		return conv2DShape{}, fmt.Errorf("ops: conv2d invalid stride=%d padding=%d dilation=%d", p.Stride, p.Padding, p.Dilation)
	}

	in := input.Shape()
	k := kernel.Shape()

	s := conv2DShape{
		batch: in[0], inCh: in[1], inH: in[2], inW: in[3],
		outCh: k[0], kH: k[2], kW: k[3],
	}

	if s.inCh%p.Groups != 0 || s.outCh%p.Groups != 0 {
		return conv2DShape{}, fmt.Errorf("ops: conv2d channels in=%d out=%d not divisible by groups %d", s.inCh, s.outCh, p.Groups)
	}

	s.inPerGroup = s.inCh / p.Groups
	s.outPerGroup = s.outCh / p.Groups

	if k[1] != s.inPerGroup {
		return conv2DShape{}, fmt.Errorf("ops: conv2d kernel in-channels %d, want %d (input %v, groups %d)", k[1], s.inPerGroup, in, p.Groups)
	}

	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != s.outCh) {
		return conv2DShape{}, fmt.Errorf("ops: conv2d bias shape %v does not match out channels %d", bias.Shape(), s.outCh)
	}

	s.outH = OutputSize(s.inH, s.kH, p.Stride, p.Padding, p.Dilation, false)
	s.outW = OutputSize(s.inW, s.kW, p.Stride, p.Padding, p.Dilation, false)

	if s.outH < 1 || s.outW < 1 {
		return conv2DShape{}, fmt.Errorf("ops: conv2d output is empty for input %v kernel %v", in, k)
	}

	return s, nil
}

// conv2DIm2Col lowers each (batch, group) to a GEMM. The patch matrix has one
// contiguous row per output position so every inner product is a dot of two
// contiguous slices.
func conv2DIm2Col(inputData, kernelData, biasData, outData []float32, s conv2DShape, p Conv2DParams) {
	patchLen := int(s.inPerGroup * s.kH * s.kW)
	positions := int(s.outH * s.outW)

	imcol := getScratch(positions * patchLen)
	defer putScratch(imcol)

	inPlane := s.inH * s.inW
	outPlane := positions

	for b := range s.batch {
		for g := range p.Groups {
			clear(imcol)

			for icg := range s.inPerGroup {
				ic := g*s.inPerGroup + icg
				inBase := (b*s.inCh + ic) * inPlane

				for ky := range s.kH {
					for kx := range s.kW {
						col := int((icg*s.kH+ky)*s.kW + kx)

						for oy := range s.outH {
							iy := oy*p.Stride - p.Padding + ky*p.Dilation
							if iy < 0 || iy >= s.inH {
								continue
							}

							rowBase := int(oy * s.outW)
							inRow := inBase + iy*s.inW

							for ox := range s.outW {
								ix := ox*p.Stride - p.Padding + kx*p.Dilation
								if ix >= 0 && ix < s.inW {
									imcol[(rowBase+int(ox))*patchLen+col] = inputData[inRow+ix]
								}
							}
						}
					}
				}
			}

			ocBase := int(g * s.outPerGroup)

			tensor.ParallelFor(int(s.outPerGroup), p.Workers, func(lo, hi int) {
				for o := lo; o < hi; o++ {
					oc := ocBase + o
					kernelRow := kernelData[oc*patchLen : (oc+1)*patchLen]

					var biasVal float32
					if biasData != nil {
						biasVal = biasData[oc]
					}

					dst := outData[(int(b)*int(s.outCh)+oc)*outPlane : (int(b)*int(s.outCh)+oc+1)*outPlane]
					for pos := range positions {
						v := tensor.DotProduct(kernelRow, imcol[pos*patchLen:(pos+1)*patchLen]) + biasVal
						if p.ReLU && v < 0 {
							v = 0
						}

						dst[pos] = v
					}
				}
			})
		}
	}
}
