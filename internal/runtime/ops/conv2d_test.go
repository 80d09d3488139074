package ops

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConv2DMatchesDirect(t *testing.T) {
	tests := []struct {
		name                      string
		n, c, h, w, oc, k         int
		stride, pad, groups, work int
	}{
		{"3x3 pad1", 1, 3, 6, 5, 4, 3, 1, 1, 1, 1},
		{"stride2", 2, 2, 7, 7, 3, 3, 2, 1, 1, 1},
		{"1x1", 1, 4, 3, 3, 2, 1, 1, 0, 1, 1},
		{"grouped", 1, 4, 5, 5, 4, 3, 1, 1, 2, 1},
		{"depthwise parallel", 1, 4, 5, 5, 4, 3, 1, 1, 4, 3},
		{"alexnet-like 11x11 s4", 1, 3, 23, 23, 2, 11, 4, 2, 1, 2},
		{"parallel workers", 2, 3, 8, 8, 8, 3, 1, 1, 1, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := seqDataT(tt.n * tt.c * tt.h * tt.w)
			kernel := seqDataT(tt.oc * (tt.c / tt.groups) * tt.k * tt.k)
			bias := seqDataT(tt.oc)

			want, oh, ow := conv2DDirect(in, kernel, bias, tt.n, tt.c, tt.h, tt.w, tt.oc, tt.k, tt.k, tt.stride, tt.pad, tt.groups)

			got, err := Conv2D(
				mustTensorT(t, in, []int64{int64(tt.n), int64(tt.c), int64(tt.h), int64(tt.w)}),
				mustTensorT(t, kernel, []int64{int64(tt.oc), int64(tt.c / tt.groups), int64(tt.k), int64(tt.k)}),
				mustTensorT(t, bias, []int64{int64(tt.oc)}),
				Conv2DParams{Stride: int64(tt.stride), Padding: int64(tt.pad), Groups: int64(tt.groups), Workers: tt.work},
			)
			if err != nil {
				t.Fatalf("Conv2D: %v", err)
			}

			shape := got.Shape()
			if shape[2] != int64(oh) || shape[3] != int64(ow) {
				t.Fatalf("output shape %v, want spatial %dx%d", shape, oh, ow)
			}

			tol, _ := KernelTolerance("conv2d")
			if !equalApprox(got.RawData(), want, tol.Abs) {
				t.Fatalf("conv2d mismatch\n got=%v\nwant=%v", got.RawData(), want)
			}
		})
	}
}

func TestConv2DFusedReLU(t *testing.T) {
	in := mustTensorT(t, []float32{1, -2, 3, -4}, []int64{1, 1, 2, 2})
	k := mustTensorT(t, []float32{1}, []int64{1, 1, 1, 1})

	got, err := Conv2D(in, k, nil, Conv2DParams{ReLU: true})
	if err != nil {
		t.Fatalf("Conv2D: %v", err)
	}

	if !equalApprox(got.RawData(), []float32{1, 0, 3, 0}, 0) {
		t.Fatalf("got %v", got.RawData())
	}
}

func TestConv2DValidation(t *testing.T) {
	in := mustTensorT(t, make([]float32, 12), []int64{1, 3, 2, 2})

	_, err := Conv2D(in, mustTensorT(t, make([]float32, 8), []int64{2, 4, 1, 1}), nil, Conv2DParams{})
	assertErrContains(t, err, "kernel in-channels")

	_, err = Conv2D(in, mustTensorT(t, make([]float32, 6), []int64{2, 3, 1, 1}), mustTensorT(t, make([]float32, 3), []int64{3}), Conv2DParams{})
	assertErrContains(t, err, "bias shape")

	_, err = Conv2D(mustTensorT(t, make([]float32, 4), []int64{1, 4}), mustTensorT(t, make([]float32, 1), []int64{1, 1, 1, 1}), nil, Conv2DParams{})
	assertErrContains(t, err, "rank 4")

	_, err = Conv2D(in, mustTensorT(t, make([]float32, 27), []int64{1, 3, 3, 3}), nil, Conv2DParams{})
	assertErrContains(t, err, "output is empty")
}

func TestOutputSizeCeilMode(t *testing.T) {
	tests := []struct {
		in, k, s, p int64
		ceil        bool
		want        int64
	}{
		{224, 3, 2, 0, false, 111},
		{55, 3, 2, 0, false, 27},
		{112, 3, 2, 1, false, 56},
		// squeezenet: 109 with ceil mode pools to 54.
		{109, 3, 2, 0, true, 54},
		{110, 3, 2, 0, true, 55},
		{110, 3, 2, 0, false, 54},
	}

	for _, tt := range tests {
		if got := OutputSize(tt.in, tt.k, tt.s, tt.p, 1, tt.ceil); got != tt.want {
			t.Errorf("OutputSize(%d,k=%d,s=%d,p=%d,ceil=%v) = %d, want %d", tt.in, tt.k, tt.s, tt.p, tt.ceil, got, tt.want)
		}
	}
}

func TestScratchClassBounds(t *testing.T) {
	if scratchClass(1) != 0 || scratchClass(1024) != 0 {
		t.Fatal("small buffers must use class 0")
	}

	if scratchClass(1025) != 1 {
		t.Fatalf("scratchClass(1025) = %d, want 1", scratchClass(1025))
	}

	if scratchClass(1<<30) != 16 {
		t.Fatalf("huge buffers must clamp to class 16")
	}

	buf := getScratch(3000)
	if len(buf) != 3000 {
		t.Fatalf("len = %d", len(buf))
	}

	buf[0] = 42
	putScratch(buf)

	again := getScratch(3000)
	if again[0] != 0 {
		t.Fatal("getScratch must return zeroed memory")
	}

	putScratch(again)
}
