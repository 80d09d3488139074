package harness

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/runtime/tensor"
	"github.com/example/convbench/internal/zoo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func tinyFactory() (*nn.Model, error) {
	conv := nn.NewConv2d(3, 2, 3, 1, 1, true)
	for i := range conv.Weight.RawData() {
		conv.Weight.RawData()[i] = float32(i%5-2) * 0.1
	}

	root := nn.Seq(conv, nn.NewBatchNorm2d(2), nn.ReLU{}, &nn.AdaptiveAvgPool2d{H: 1, W: 1}, nn.Flatten{Start: 1})

	return nn.NewModel("tiny", root, nn.Named{Name: "relu", Layer: nn.ReLU{}}), nil
}

func tinyCase(name string) Case {
	return Case{
		Name:      name,
		Factory:   tinyFactory,
		Precision: nn.Float16,
		Device:    nn.CPU,
		Shapes:    [][]int64{{1, 3, 6, 6}},
		MaxError:  DefaultMaxError,
		Options:   map[string]any{"fp16_mode": true},
	}
}

// identityEngine runs the eager model itself.
type identityEngine struct{ nn.Module }

func (identityEngine) Close() error { return nil }

type converterFunc func(ctx context.Context, m *nn.Model, inputs []*tensor.Tensor, kw map[string]any) (Engine, error)

func (f converterFunc) Convert(ctx context.Context, m *nn.Model, inputs []*tensor.Tensor, kw map[string]any) (Engine, error) {
	return f(ctx, m, inputs, kw)
}

var identityConverter = converterFunc(func(_ context.Context, m *nn.Model, _ []*tensor.Tensor, _ map[string]any) (Engine, error) {
	return identityEngine{m}, nil
})

func mustT(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.New(data, shape)
	require.NoError(t, err)

	return x
}

func TestMaxAbsError(t *testing.T) {
	a := []*tensor.Tensor{mustT(t, []float32{1, 2}, 2), mustT(t, []float32{0, 0, 0}, 3)}

	t.Run("identical is zero", func(t *testing.T) {
		got, err := MaxAbsError(a, a)
		require.NoError(t, err)
		assert.Zero(t, got)
	})

	t.Run("every tuple position counts", func(t *testing.T) {
		b := []*tensor.Tensor{mustT(t, []float32{1, 2.5}, 2), mustT(t, []float32{0, 0, -3}, 3)}

		got, err := MaxAbsError(a, b)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, got, 1e-9)
	})

	t.Run("running max keeps the largest", func(t *testing.T) {
		b := []*tensor.Tensor{mustT(t, []float32{5, 2}, 2), mustT(t, []float32{0, 1, 0}, 3)}

		got, err := MaxAbsError(a, b)
		require.NoError(t, err)
		assert.InDelta(t, 4.0, got, 1e-9)
	})

	t.Run("nan", func(t *testing.T) {
		b := []*tensor.Tensor{mustT(t, []float32{float32(math.NaN()), 2}, 2), a[1]}

		got, err := MaxAbsError(a, b)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(got))
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := MaxAbsError(a, a[:1])
		require.ErrorContains(t, err, "tuple length")
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := MaxAbsError(a, []*tensor.Tensor{a[1], a[0]})
		require.ErrorContains(t, err, "output 0")
	})
}

func TestCaseRunIdenticalCallablesHaveZeroError(t *testing.T) {
	res, err := tinyCase("tiny_fp16_3x6x6").Run(context.Background(), identityConverter, 3)
	require.NoError(t, err)

	assert.Zero(t, res.MaxError)
	assert.Positive(t, res.BaselineFPS)
	assert.Positive(t, res.EngineFPS)
	require.Len(t, res.Timings, 2)
	assert.Equal(t, "eager", res.Timings[0].Variant)
	assert.Equal(t, "engine", res.Timings[1].Variant)
}

func TestCaseRunNativeConverter(t *testing.T) {
	res, err := tinyCase("tiny_fp16_3x6x6").Run(context.Background(), DefaultConverter{Workers: 2}, 2)
	require.NoError(t, err)

	assert.LessOrEqual(t, res.MaxError, DefaultMaxError)
	assert.Contains(t, res.Plan, "conv_bn_relu=1")
}

func TestCaseRunErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("factory", func(t *testing.T) {
		tc := tinyCase("factory")
		tc.Factory = func() (*nn.Model, error) { return nil, boom }

		_, err := tc.Run(context.Background(), identityConverter, 1)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "build model")
	})

	t.Run("device", func(t *testing.T) {
		tc := tinyCase("device")
		tc.Device = nn.CUDA

		_, err := tc.Run(context.Background(), identityConverter, 1)
		require.ErrorIs(t, err, nn.ErrDeviceUnavailable)
	})

	t.Run("conversion", func(t *testing.T) {
		conv := converterFunc(func(context.Context, *nn.Model, []*tensor.Tensor, map[string]any) (Engine, error) {
			return nil, boom
		})

		_, err := tinyCase("conversion").Run(context.Background(), conv, 1)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "convert")
	})

	t.Run("bad options", func(t *testing.T) {
		tc := tinyCase("options")
		tc.Options = map[string]any{"int8_mode": true}

		_, err := tc.Run(context.Background(), DefaultConverter{}, 1)
		require.ErrorContains(t, err, "int8_mode")
	})

	t.Run("no shapes", func(t *testing.T) {
		tc := tinyCase("shapes")
		tc.Shapes = nil

		_, err := tc.Run(context.Background(), identityConverter, 1)
		require.ErrorContains(t, err, "no input shapes")
	})
}

func TestCaseInputsAreOnes(t *testing.T) {
	tc := tinyCase("inputs")
	tc.Shapes = [][]int64{{1, 3, 2, 2}, {2, 1}}

	in, err := tc.Inputs()
	require.NoError(t, err)
	require.Len(t, in, 2)

	assert.Equal(t, []int64{2, 1}, in[1].Shape())

	for _, x := range in {
		for _, v := range x.RawData() {
			assert.Equal(t, float32(1), v)
		}
	}
}

func TestCatalogRegistration(t *testing.T) {
	c := NewCatalog()

	opts := map[string]any{"fp16_mode": true}
	tc := tinyCase("b")
	tc.Options = opts

	require.NoError(t, c.Register(tc))
	require.NoError(t, c.Register(tinyCase("a")))
	require.ErrorContains(t, c.Register(tinyCase("a")), "duplicate")
	require.ErrorContains(t, c.Register(Case{Factory: tinyFactory}), "empty")
	require.ErrorContains(t, c.Register(Case{Name: "x"}), "no factory")

	assert.Equal(t, []string{"b", "a"}, c.Names())

	opts["fp16_mode"] = false

	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, true, got.Options["fp16_mode"], "catalog must not share the caller's options map")

	filtered, err := c.Filter([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, filtered.Names())

	_, err = c.Filter([]string{"zzz"})
	require.ErrorContains(t, err, "unknown case")
}

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog(zoo.Library{})
	require.NoError(t, err)
	require.Equal(t, 20, c.Len())

	names := c.Names()
	assert.Equal(t, "alexnet_fp16_3x224x224", names[0])
	assert.Equal(t, "densenet161_fp16_3x224x224", names[11])
	assert.Equal(t, "vgg19_bn_fp16_3x224x224", names[19])

	for _, tc := range c.Cases() {
		assert.Equal(t, nn.Float16, tc.Precision, tc.Name)
		assert.Equal(t, nn.CPU, tc.Device, tc.Name)
		assert.Equal(t, [][]int64{{1, 3, 224, 224}}, tc.Shapes, tc.Name)
		assert.InDelta(t, 1e-2, tc.MaxError, 0, tc.Name)
		assert.Equal(t, map[string]any{"fp16_mode": true}, tc.Options, tc.Name)
	}
}

func TestCaseName(t *testing.T) {
	assert.Equal(t, "resnet18_fp16_3x224x224", CaseName("resnet18", nn.Float16, [][]int64{{1, 3, 224, 224}}))
	assert.Equal(t, "vgg11_fp32_3x32x32", CaseName("vgg11", nn.Float32, [][]int64{{4, 3, 32, 32}}))
}

func writeFile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadCatalogFile(t *testing.T) {
	path := writeFile(t, `
[[case]]
model = "resnet18"
precision = "fp16"
shapes = [[1, 3, 64, 64]]
max_error = 0.05
[case.options]
fp16_mode = true
workers = 2

[[case]]
name = "squeeze_default"
model = "squeezenet1_1"
`)

	c, err := LoadCatalogFile(path, zoo.Library{})
	require.NoError(t, err)
	require.Equal(t, []string{"resnet18_fp16_3x64x64", "squeeze_default"}, c.Names())

	first, _ := c.Get("resnet18_fp16_3x64x64")
	assert.InDelta(t, 0.05, first.MaxError, 0)
	assert.Equal(t, true, first.Options["fp16_mode"])
	assert.EqualValues(t, 2, first.Options["workers"])

	second, _ := c.Get("squeeze_default")
	assert.Equal(t, nn.Float32, second.Precision)
	assert.Equal(t, nn.CPU, second.Device)
	assert.Equal(t, [][]int64{{1, 3, 224, 224}}, second.Shapes)
	assert.InDelta(t, DefaultMaxError, second.MaxError, 0)
}

func TestLoadCatalogFileErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":   "[[case]]\nmodel = \"alexnet\"\nbatch = 4\n",
		"unknown model": "[[case]]\nmodel = \"lenet\"\n",
		"missing model": "[[case]]\nprecision = \"fp16\"\n",
		"bad precision": "[[case]]\nmodel = \"alexnet\"\nprecision = \"int8\"\n",
		"no cases":      "# empty\n",
		"duplicate":     "[[case]]\nmodel = \"alexnet\"\n[[case]]\nmodel = \"alexnet\"\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCatalogFile(writeFile(t, body), zoo.Library{})
			require.Error(t, err)
		})
	}

	_, err := LoadCatalogFile(filepath.Join(t.TempDir(), "missing.toml"), zoo.Library{})
	require.Error(t, err)
}

func TestRunAllContinuesAfterFailures(t *testing.T) {
	c := NewCatalog()

	panicking := tinyCase("panics")
	panicking.Factory = func() (*nn.Model, error) { panic("kaboom") }

	failing := tinyCase("fails")
	failing.Device = nn.CUDA

	require.NoError(t, c.Register(panicking))
	require.NoError(t, c.Register(failing))
	require.NoError(t, c.Register(tinyCase("passes")))

	var logs bytes.Buffer
	r := NewRunner(identityConverter, 2, slog.New(slog.NewJSONHandler(&logs, nil)))

	var seen []string

	outcomes, err := r.RunAll(context.Background(), c, func(o Outcome) error {
		seen = append(seen, o.Name)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"panics", "fails", "passes"}, seen)
	require.Len(t, outcomes, 3)

	assert.False(t, outcomes[0].OK())
	assert.Contains(t, outcomes[0].Err.Error(), "panic: kaboom")
	assert.False(t, outcomes[1].OK())
	assert.ErrorIs(t, outcomes[1].Err, nn.ErrDeviceUnavailable)
	assert.Equal(t, Result{}, outcomes[1].Result)
	assert.True(t, outcomes[2].OK())
	assert.Positive(t, outcomes[2].Result.EngineFPS)

	_, err = uuid.Parse(r.RunID)
	require.NoError(t, err)

	for _, o := range outcomes {
		assert.Equal(t, r.RunID, o.RunID)
		assert.InDelta(t, DefaultMaxError, o.Tolerance, 0)
	}

	out := logs.String()
	assert.Contains(t, out, `"msg":"case failed"`)
	assert.Contains(t, out, `"case":"fails"`)
	assert.Contains(t, out, `"msg":"case finished"`)
	assert.Contains(t, out, `"run_id":"`+r.RunID+`"`)
}

func TestRunAllStopsOnSinkError(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(tinyCase("one")))
	require.NoError(t, c.Register(tinyCase("two")))

	r := NewRunner(identityConverter, 1, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	outcomes, err := r.RunAll(context.Background(), c, func(Outcome) error { return errors.New("disk full") })
	require.ErrorContains(t, err, "disk full")
	assert.Len(t, outcomes, 1)
}

func TestRunAllCancellation(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(tinyCase("one")))
	require.NoError(t, c.Register(tinyCase("two")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRunner(identityConverter, 1, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	outcomes, err := r.RunAll(ctx, c, func(Outcome) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, outcomes, 1)
	assert.True(t, strings.HasPrefix(outcomes[0].Name, "one"))
}

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner(identityConverter, 0, nil)
	assert.Equal(t, 50, r.Iterations)
	assert.NotEmpty(t, r.RunID)
}
