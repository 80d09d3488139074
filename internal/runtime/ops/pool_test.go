package ops

import (
	"math"
	"testing"

	"github.com/example/convbench/internal/runtime/tensor"
)

func TestMaxPool2D(t *testing.T) {
	in := mustTensorT(t, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, []int64{1, 1, 4, 4})

	got, err := MaxPool2D(in, PoolParams{Kernel: 2})
	if err != nil {
		t.Fatalf("MaxPool2D: %v", err)
	}

	if !equalApprox(got.RawData(), []float32{6, 8, 14, 16}, 0) {
		t.Fatalf("got %v", got.RawData())
	}
}

func TestMaxPool2DPaddingNeverWins(t *testing.T) {
	in := mustTensorT(t, []float32{-5, -6, -7, -8}, []int64{1, 1, 2, 2})

	got, err := MaxPool2D(in, PoolParams{Kernel: 3, Stride: 2, Padding: 1})
	if err != nil {
		t.Fatalf("MaxPool2D: %v", err)
	}

	if got.RawData()[0] != -5 {
		t.Fatalf("got %v, want -5 (padding must not contribute 0)", got.RawData())
	}
}

func TestMaxPool2DCeilMode(t *testing.T) {
	in := mustTensorT(t, seqDataT(25), []int64{1, 1, 5, 5})

	floor, err := MaxPool2D(in, PoolParams{Kernel: 2, Stride: 2})
	if err != nil {
		t.Fatalf("floor: %v", err)
	}

	ceil, err := MaxPool2D(in, PoolParams{Kernel: 2, Stride: 2, CeilMode: true})
	if err != nil {
		t.Fatalf("ceil: %v", err)
	}

	if floor.Dim(2) != 2 || ceil.Dim(2) != 3 {
		t.Fatalf("floor=%v ceil=%v", floor.Shape(), ceil.Shape())
	}
}

func TestAvgPool2D(t *testing.T) {
	in := mustTensorT(t, []float32{1, 2, 3, 4}, []int64{1, 1, 2, 2})

	got, err := AvgPool2D(in, PoolParams{Kernel: 2})
	if err != nil {
		t.Fatalf("AvgPool2D: %v", err)
	}

	if !equalApprox(got.RawData(), []float32{2.5}, 1e-7) {
		t.Fatalf("got %v", got.RawData())
	}
}

func TestAvgPool2DCountsPadding(t *testing.T) {
	in := mustTensorT(t, []float32{4}, []int64{1, 1, 1, 1})

	got, err := AvgPool2D(in, PoolParams{Kernel: 3, Stride: 1, Padding: 1})
	if err != nil {
		t.Fatalf("AvgPool2D: %v", err)
	}

	if !equalApprox(got.RawData(), []float32{4.0 / 9}, 1e-6) {
		t.Fatalf("got %v", got.RawData())
	}
}

func TestPoolRejectsBadParams(t *testing.T) {
	in := mustTensorT(t, make([]float32, 4), []int64{1, 1, 2, 2})

	_, err := MaxPool2D(in, PoolParams{Kernel: 0})
	assertErrContains(t, err, "invalid kernel")

	_, err = MaxPool2D(in, PoolParams{Kernel: 2, Padding: 2})
	assertErrContains(t, err, "invalid kernel")

	_, err = AvgPool2D(mustTensorT(t, make([]float32, 4), []int64{4}), PoolParams{Kernel: 2})
	assertErrContains(t, err, "rank 4")
}

func TestAdaptiveAvgPool2DGlobal(t *testing.T) {
	in := mustTensorT(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, []int64{1, 2, 2, 2})

	got, err := AdaptiveAvgPool2D(in, 1, 1)
	if err != nil {
		t.Fatalf("AdaptiveAvgPool2D: %v", err)
	}

	if !equalApprox(got.RawData(), []float32{2.5, 25}, 1e-6) {
		t.Fatalf("got %v", got.RawData())
	}
}

func TestAdaptiveAvgPool2DIdentityAndUpsample(t *testing.T) {
	data := seqDataT(9)
	in := mustTensorT(t, data, []int64{1, 1, 3, 3})

	same, err := AdaptiveAvgPool2D(in, 3, 3)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	if !equalApprox(same.RawData(), data, 0) {
		t.Fatalf("identity pool changed values: %v", same.RawData())
	}

	one := mustTensorT(t, []float32{7}, []int64{1, 1, 1, 1})

	up, err := AdaptiveAvgPool2D(one, 2, 2)
	if err != nil {
		t.Fatalf("upsample: %v", err)
	}

	if !equalApprox(up.RawData(), []float32{7, 7, 7, 7}, 0) {
		t.Fatalf("got %v", up.RawData())
	}
}

func TestBatchNorm2D(t *testing.T) {
	in := mustTensorT(t, []float32{1, 2, 3, 4}, []int64{1, 2, 1, 2})
	gamma := mustTensorT(t, []float32{2, 1}, []int64{2})
	beta := mustTensorT(t, []float32{0, 1}, []int64{2})
	mean := mustTensorT(t, []float32{1, 0}, []int64{2})
	variance := mustTensorT(t, []float32{1, 4}, []int64{2})

	got, err := BatchNorm2D(in, gamma, beta, mean, variance, 0)
	if err != nil {
		t.Fatalf("BatchNorm2D: %v", err)
	}

	want := []float32{0, 2, 2.5, 3}

	tol, _ := KernelTolerance("batchnorm2d")
	if !equalApprox(got.RawData(), want, tol.Abs) {
		t.Fatalf("got %v, want %v", got.RawData(), want)
	}

	_, err = BatchNorm2D(in, mustTensorT(t, []float32{1}, []int64{1}), beta, mean, variance, 1e-5)
	assertErrContains(t, err, "does not match channels")
}

func TestReLUAndAdd(t *testing.T) {
	a := mustTensorT(t, []float32{-1, 2}, []int64{2})
	b := mustTensorT(t, []float32{0.5, -3}, []int64{2})

	r, err := ReLU(a)
	if err != nil {
		t.Fatalf("ReLU: %v", err)
	}

	if !equalApprox(r.RawData(), []float32{0, 2}, 0) {
		t.Fatalf("relu %v", r.RawData())
	}

	sum, err := Add(a, b, false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !equalApprox(sum.RawData(), []float32{-0.5, -1}, 1e-7) {
		t.Fatalf("add %v", sum.RawData())
	}

	fused, _ := Add(a, b, true)
	if !equalApprox(fused.RawData(), []float32{0, 0}, 0) {
		t.Fatalf("add+relu %v", fused.RawData())
	}

	_, err = Add(a, mustTensorT(t, []float32{1}, []int64{1}), false)
	assertErrContains(t, err, "shape mismatch")
}

func TestKernelToleranceUnknown(t *testing.T) {
	_, err := KernelTolerance("softmax")
	assertErrContains(t, err, "no tolerance")

	if _, err := KernelTolerance("relu"); err != nil {
		t.Fatalf("relu tolerance: %v", err)
	}
}

func TestBatchNormAffineMatchesBatchNorm2D(t *testing.T) {
	scale, shift := BatchNormAffine([]float32{3}, []float32{1}, []float32{2}, []float32{0.25}, 0)

	x := float32(5)
	want := (x-2)/float32(math.Sqrt(0.25))*3 + 1

	if got := x*scale[0] + shift[0]; math.Abs(float64(got-want)) > 1e-6 {
		t.Fatalf("affine = %v, want %v", got, want)
	}
}

func TestChannelAffine(t *testing.T) {
	in := mustTensorT(t, []float32{1, -2, 3, -4}, []int64{1, 2, 1, 2})

	got, err := ChannelAffine(in, []float32{2, 1}, []float32{0, -1}, false)
	if err != nil {
		t.Fatalf("ChannelAffine: %v", err)
	}

	if !equalApprox(got.RawData(), []float32{2, -4, 2, -5}, 0) {
		t.Fatalf("affine %v", got.RawData())
	}

	fused, err := ChannelAffine(in, []float32{2, 1}, []float32{0, -1}, true)
	if err != nil {
		t.Fatalf("ChannelAffine relu: %v", err)
	}

	if !equalApprox(fused.RawData(), []float32{2, 0, 2, 0}, 0) {
		t.Fatalf("affine+relu %v", fused.RawData())
	}

	if !equalApprox(in.RawData(), []float32{1, -2, 3, -4}, 0) {
		t.Fatal("input was modified")
	}

	_, err = ChannelAffine(in, []float32{1}, []float32{1}, false)
	assertErrContains(t, err, "coefficients")

	flat, _ := tensor.New([]float32{1, 2}, []int64{2})
	_, err = ChannelAffine(flat, []float32{1}, []float32{1}, false)
	assertErrContains(t, err, "rank 4")
}
