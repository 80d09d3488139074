package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/convbench/internal/runtime/tensor"
)

// PoolParams configures MaxPool2D and AvgPool2D. Stride 0 means "same as
// Kernel", which is the torchvision default.
type PoolParams struct {
	Kernel   int64
	Stride   int64
	Padding  int64
	CeilMode bool
}

func (p PoolParams) stride() int64 {
	if p.Stride == 0 {
		return p.Kernel
	}

	return p.Stride
}

// MaxPool2D applies max pooling over an NCHW tensor. Padded positions never
// win the max.
func MaxPool2D(x *tensor.Tensor, p PoolParams) (*tensor.Tensor, error) {
	return pool2D(x, p, "maxpool2d", func(win []float32, _ int) float32 {
		m := float32(math.Inf(-1))
		for _, v := range win {
			if v > m {
				m = v
			}
		}

		return m
	})
}

// AvgPool2D applies average pooling over an NCHW tensor. Padding counts
// towards the divisor (count_include_pad=True).
func AvgPool2D(x *tensor.Tensor, p PoolParams) (*tensor.Tensor, error) {
	return pool2D(x, p, "avgpool2d", func(win []float32, divisor int) float32 {
		var sum float32
		for _, v := range win {
			sum += v
		}

		return sum / float32(divisor)
	})
}

func pool2D(x *tensor.Tensor, p PoolParams, name string, reduce func(win []float32, divisor int) float32) (*tensor.Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("ops: %s on nil tensor", name)
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ops: %s input must be rank 4 [N,C,H,W], got shape %v", name, x.Shape())
	}

	stride := p.stride()
	if p.Kernel < 1 || stride < 1 || p.Padding < 0 || p.Padding*2 > p.Kernel {
		return nil, fmt.Errorf("ops: %s invalid kernel=%d stride=%d padding=%d", name, p.Kernel, stride, p.Padding)
	}

	shape := x.Shape()
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	outH := OutputSize(h, p.Kernel, stride, p.Padding, 1, p.CeilMode)
	outW := OutputSize(w, p.Kernel, stride, p.Padding, 1, p.CeilMode)

	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("ops: %s output is empty for input %v kernel %d", name, shape, p.Kernel)
	}

	in := x.RawData()
	out := make([]float32, n*c*outH*outW)
	win := make([]float32, 0, p.Kernel*p.Kernel)

	for plane := range n * c {
		src := in[plane*h*w : (plane+1)*h*w]
		dst := out[plane*outH*outW : (plane+1)*outH*outW]

		for oy := range outH {
			y0 := oy*stride - p.Padding
			for ox := range outW {
				x0 := ox*stride - p.Padding
				win = win[:0]

				// Windows produced by ceil mode may run past the padded
				// border; the divisor is clipped to the padded extent.
				yEnd := min(y0+p.Kernel, h+p.Padding)
				xEnd := min(x0+p.Kernel, w+p.Padding)
				divisor := int((yEnd - y0) * (xEnd - x0))

				for iy := max(y0, 0); iy < min(yEnd, h); iy++ {
					for ix := max(x0, 0); ix < min(xEnd, w); ix++ {
						win = append(win, src[iy*w+ix])
					}
				}

				if len(win) == 0 {
					return nil, fmt.Errorf("ops: %s window at (%d,%d) covers only padding", name, oy, ox)
				}

				dst[oy*outW+ox] = reduce(win, divisor)
			}
		}
	}

	return tensor.FromOwned(out, []int64{n, c, outH, outW})
}

// AdaptiveAvgPool2D averages an NCHW tensor into a fixed outH x outW grid
// using the torchvision bin boundaries floor(i*H/out) .. ceil((i+1)*H/out).
func AdaptiveAvgPool2D(x *tensor.Tensor, outH, outW int64) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: adaptive avgpool on nil tensor")
	}

	if x.Rank() != 4 {
		return nil, fmt.Errorf("ops: adaptive avgpool input must be rank 4, got shape %v", x.Shape())
	}

	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("ops: adaptive avgpool output %dx%d must be positive", outH, outW)
	}

	shape := x.Shape()
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	in := x.RawData()
	out := make([]float32, n*c*outH*outW)

	for plane := range n * c {
		src := in[plane*h*w : (plane+1)*h*w]
		dst := out[plane*outH*outW : (plane+1)*outH*outW]

		for oy := range outH {
			y0 := oy * h / outH
			y1 := ((oy+1)*h + outH - 1) / outH

			for ox := range outW {
				x0 := ox * w / outW
				x1 := ((ox+1)*w + outW - 1) / outW

				var sum float32
				for iy := y0; iy < y1; iy++ {
					for ix := x0; ix < x1; ix++ {
						sum += src[iy*w+ix]
					}
				}

				dst[oy*outW+ox] = sum / float32((y1-y0)*(x1-x0))
			}
		}
	}

	return tensor.FromOwned(out, []int64{n, c, outH, outW})
}
