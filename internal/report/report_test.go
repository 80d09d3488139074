package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/convbench/internal/harness"
)

func okOutcome(name string) harness.Outcome {
	return harness.Outcome{
		RunID:     "run-1",
		Name:      name,
		Tolerance: 1e-2,
		Result:    harness.Result{MaxError: 0.0012345, BaselineFPS: 12.3456, EngineFPS: 456.789, Plan: "conv=1"},
		Started:   time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
	}
}

func failedOutcome(name string) harness.Outcome {
	return harness.Outcome{
		RunID:     "run-1",
		Name:      name,
		Tolerance: 1e-2,
		Err:       errors.New("convert: unsupported layer"),
		Started:   time.Date(2026, 10, 19, 12, 0, 1, 0, time.UTC),
		Duration:  time.Millisecond,
	}
}

func TestFormatRow(t *testing.T) {
	assert.Equal(t, "| resnet18_fp16_3x224x224 | 0.00123 | 12.3 | 457 |", FormatRow(okOutcome("resnet18_fp16_3x224x224")))
	assert.Equal(t, "| vgg11_fp16_3x224x224 |    |    |    |", FormatRow(failedOutcome("vgg11_fp16_3x224x224")))
}

func TestFormatRowSmallAndLarge(t *testing.T) {
	o := okOutcome("x")
	o.Result = harness.Result{MaxError: 0, BaselineFPS: 1234567, EngineFPS: 0.000123}

	assert.Equal(t, "| x | 0 | 1.23e+06 | 0.000123 |", FormatRow(o))
}

func TestHeader(t *testing.T) {
	assert.Equal(t,
		"| Name | Max Error | FPS (PyTorch) | FPS (TensorRT) |\n|------|-----------|---------------|----------------|\n",
		Header())
}

func newReporter(t *testing.T, path string, opts Options) (*Reporter, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	var stdout, logs bytes.Buffer

	opts.Logger = slog.New(slog.NewJSONHandler(&logs, nil))

	return NewReporter(&stdout, path, opts), &stdout, &logs
}

func TestReporterStreamsRowsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torch2trt_test.md")
	r, stdout, _ := newReporter(t, path, Options{})

	require.NoError(t, r.Begin())
	require.NoError(t, r.Record(okOutcome("a")))
	require.NoError(t, r.Record(failedOutcome("b")))
	require.NoError(t, r.Record(okOutcome("c")))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, HeaderLines[0], lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "| a |"))
	assert.Equal(t, "| b |    |    |    |", lines[3])
	assert.True(t, strings.HasPrefix(lines[4], "| c |"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	fileLines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, lines[2:], fileLines, "file holds only the rows by default")
}

func TestReporterAppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")

	for range 2 {
		r, _, _ := newReporter(t, path, Options{})
		require.NoError(t, r.Begin())
		require.NoError(t, r.Record(okOutcome("a")))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "| a |"))
}

func TestReporterWriteHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")

	for range 2 {
		r, _, _ := newReporter(t, path, Options{WriteHeader: true})
		require.NoError(t, r.Begin())
		require.NoError(t, r.Record(okOutcome("a")))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, HeaderLines, lines[:2])
	assert.Equal(t, 1, strings.Count(string(data), HeaderLines[0]), "header only written to a new file")
}

func TestReporterWarnsOnHeaderlessFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")
	require.NoError(t, os.WriteFile(path, []byte("| old |    |    |    |\n"), 0o644))

	r, _, logs := newReporter(t, path, Options{WriteHeader: true})
	require.NoError(t, r.Begin())

	assert.Contains(t, logs.String(), "without a table header")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), HeaderLines[0], "existing files are never rewritten")
}

func TestReporterOpenError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "report.md")
	r, _, _ := newReporter(t, path, Options{})

	require.NoError(t, r.Begin())
	require.ErrorContains(t, r.Record(okOutcome("a")), "report: open")
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	nan := okOutcome("nan")
	nan.Result.MaxError = math.NaN()

	require.NoError(t, WriteJSON(path, "run-1", []harness.Outcome{okOutcome("a"), failedOutcome("b"), nan}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))

	assert.Equal(t, "run-1", s.RunID)
	require.Len(t, s.Cases, 3)

	require.NotNil(t, s.Cases[0].MaxError)
	assert.InDelta(t, 0.0012345, *s.Cases[0].MaxError, 1e-12)
	assert.True(t, s.Cases[0].OK)
	assert.Equal(t, "conv=1", s.Cases[0].Plan)

	assert.False(t, s.Cases[1].OK)
	assert.Nil(t, s.Cases[1].MaxError)
	assert.Equal(t, "convert: unsupported layer", s.Cases[1].Error)

	assert.True(t, s.Cases[2].OK)
	assert.Nil(t, s.Cases[2].MaxError)
}

func TestHistoryRoundTrip(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)

	defer func() { require.NoError(t, h.Close()) }()

	ctx := context.Background()

	second := okOutcome("a")
	second.RunID = "run-2"

	require.NoError(t, h.Record(ctx, okOutcome("a")))
	require.NoError(t, h.Record(ctx, failedOutcome("b")))
	require.NoError(t, h.Record(ctx, second))

	all, err := h.Entries(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-2", all[0].RunID, "newest first")

	byName, err := h.Entries(ctx, Query{Name: "a"})
	require.NoError(t, err)
	require.Len(t, byName, 2)
	assert.True(t, byName[0].OK)
	assert.True(t, byName[0].MaxError.Valid)
	assert.InDelta(t, 456.789, byName[0].EngineFPS.Float64, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, byName[0].Duration)

	failed, err := h.Entries(ctx, Query{Name: "b"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].OK)
	assert.False(t, failed[0].MaxError.Valid)
	assert.Equal(t, "convert: unsupported layer", failed[0].Error)
	assert.True(t, failed[0].StartedAt.Equal(time.Date(2026, 10, 19, 12, 0, 1, 0, time.UTC)))

	run1, err := h.Entries(ctx, Query{RunID: "run-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, run1, 1)
	assert.Equal(t, "b", run1[0].Name)
}

func TestRenderAddsHeader(t *testing.T) {
	out, err := Render("| a | 0.001 | 10 | 100 |\n", 80)
	require.NoError(t, err)

	assert.Contains(t, out, "Max Error")
	assert.Contains(t, out, "0.001")
}

func TestRenderFileMissing(t *testing.T) {
	_, err := RenderFile(filepath.Join(t.TempDir(), "nope.md"), 80)
	require.Error(t, err)
}
