package ops

import (
	"math"
	"strings"
	"testing"

	"github.com/example/convbench/internal/runtime/tensor"
)

func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%17)-8) / 17
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			return false
		}
	}

	return true
}

func mustTensorT(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	tt, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v): %v", shape, err)
	}

	return tt
}

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}

	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}

// conv2DDirect is the textbook seven-loop convolution used as a reference
// for the im2col path.
func conv2DDirect(in, k, b []float32, n, c, h, w, oc, kh, kw, stride, pad, groups int) ([]float32, int, int) {
	oh := (h+2*pad-kh)/stride + 1
	ow := (w+2*pad-kw)/stride + 1
	icg := c / groups
	ocg := oc / groups
	out := make([]float32, n*oc*oh*ow)

	for bn := range n {
		for o := range oc {
			g := o / ocg
			for y := range oh {
				for x := range ow {
					var sum float32
					if b != nil {
						sum = b[o]
					}

					for i := range icg {
						ic := g*icg + i
						for ky := range kh {
							for kx := range kw {
								iy := y*stride - pad + ky
								ix := x*stride - pad + kx
								if iy < 0 || iy >= h || ix < 0 || ix >= w {
									continue
								}

								sum += in[((bn*c+ic)*h+iy)*w+ix] * k[((o*icg+i)*kh+ky)*kw+kx]
							}
						}
					}

					out[((bn*oc+o)*oh+y)*ow+x] = sum
				}
			}
		}
	}

	return out, oh, ow
}
