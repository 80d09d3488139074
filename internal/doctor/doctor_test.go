package doctor_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/convbench/internal/doctor"
)

func runtimeOK() (string, error) { return "/usr/lib/libonnxruntime.so (1.20.1)", nil }

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	dir := t.TempDir()

	cfg := doctor.Config{
		Runtime:    runtimeOK,
		WeightsDir: dir,
		ReportPath: filepath.Join(dir, "report.md"),
		Threads:    1,
		Features:   []string{"avx2", "fma"},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	body := out.String()
	for _, want := range []string{"onnx runtime", "1.20.1", "weights dir", "report file", "avx2 fma"} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
}

// ---------------------------------------------------------------------------
// ONNX Runtime
// ---------------------------------------------------------------------------

func TestRun_RuntimeMissingFails(t *testing.T) {
	cfg := doctor.Config{
		Runtime: func() (string, error) { return "", errLibraryNotFound },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when the runtime is not found")
	}

	if !hasFailureContaining(result.Failures(), "onnx runtime") {
		t.Errorf("expected failure mentioning onnx runtime, got: %v", result.Failures())
	}
}

func TestRun_RuntimeWithoutProbeFails(t *testing.T) {
	var out strings.Builder

	result := doctor.Run(doctor.Config{}, &out)
	if !result.Failed() {
		t.Fatal("expected failure without a runtime probe")
	}
}

func TestRun_SkipRuntime(t *testing.T) {
	called := false
	cfg := doctor.Config{
		Runtime: func() (string, error) {
			called = true
			return "", errLibraryNotFound
		},
		SkipRuntime: true,
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Fatalf("expected no failures when the runtime check is skipped, got: %v", result.Failures())
	}

	if called {
		t.Error("runtime probe should not run when skipped")
	}

	if !strings.Contains(out.String(), "onnx runtime: skipped") {
		t.Fatalf("expected skipped output, got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// weights directory
// ---------------------------------------------------------------------------

func TestRun_MissingWeightsDirPasses(t *testing.T) {
	cfg := doctor.Config{
		SkipRuntime: true,
		WeightsDir:  filepath.Join(t.TempDir(), "absent"),
	}

	var out strings.Builder

	result := doctor.Run(cfg, &out)
	if result.Failed() {
		t.Fatalf("missing weights dir should fall back to seeded init, got: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "seeded initialisation") {
		t.Errorf("output should mention seeded initialisation:\n%s", out.String())
	}
}

func TestRun_WeightsPathIsFileFails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "weights")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out strings.Builder

	result := doctor.Run(doctor.Config{SkipRuntime: true, WeightsDir: file}, &out)
	if !hasFailureContaining(result.Failures(), "not a directory") {
		t.Errorf("expected not-a-directory failure, got: %v", result.Failures())
	}
}

func TestRun_ValidatesCheckpoints(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"resnet18.safetensors", "alexnet.safetensors", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	var seen []string

	cfg := doctor.Config{
		SkipRuntime: true,
		WeightsDir:  dir,
		ValidateCheckpoint: func(path string) error {
			seen = append(seen, filepath.Base(path))
			if strings.HasPrefix(filepath.Base(path), "resnet18") {
				return errors.New("missing tensor fc.weight")
			}

			return nil
		},
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if got := strings.Join(seen, ","); got != "alexnet.safetensors,resnet18.safetensors" {
		t.Errorf("validated %q, want both checkpoints in sorted order", got)
	}

	if !hasFailureContaining(result.Failures(), "checkpoint resnet18.safetensors") {
		t.Errorf("expected resnet18 failure, got: %v", result.Failures())
	}

	if len(result.Failures()) != 1 {
		t.Errorf("expected exactly one failure, got: %v", result.Failures())
	}

	body := out.String()
	if !strings.Contains(body, "(2 checkpoints)") {
		t.Errorf("output should count checkpoints:\n%s", body)
	}

	if !strings.Contains(body, "validation: ok") {
		t.Errorf("output should contain 'validation: ok'; got:\n%s", body)
	}
}

// ---------------------------------------------------------------------------
// report file
// ---------------------------------------------------------------------------

func TestRun_ReportFileNotLeftBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")

	var out strings.Builder

	result := doctor.Run(doctor.Config{SkipRuntime: true, ReportPath: path}, &out)
	if result.Failed() {
		t.Fatalf("unexpected failures: %v", result.Failures())
	}

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("doctor should not create the report file, stat err = %v", err)
	}
}

func TestRun_ExistingReportFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")
	if err := os.WriteFile(path, []byte("| resnet18 | 0 | 1 | 2 |\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var out strings.Builder
	doctor.Run(doctor.Config{SkipRuntime: true, ReportPath: path}, &out)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(data) != "| resnet18 | 0 | 1 | 2 |\n" {
		t.Errorf("report file changed: %q", data)
	}
}

func TestRun_ReportDirMissingFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "report.md")

	var out strings.Builder

	result := doctor.Run(doctor.Config{SkipRuntime: true, ReportPath: path}, &out)
	if !hasFailureContaining(result.Failures(), "report file") {
		t.Errorf("expected report file failure, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// CPU and markers
// ---------------------------------------------------------------------------

func TestRun_NoFeaturesReported(t *testing.T) {
	var out strings.Builder
	doctor.Run(doctor.Config{SkipRuntime: true, Features: []string{}}, &out)

	if !strings.Contains(out.String(), "no SIMD extensions detected") {
		t.Errorf("unexpected cpu line:\n%s", out.String())
	}
}

func TestRun_OversubscribedThreadsNoted(t *testing.T) {
	var out strings.Builder
	doctor.Run(doctor.Config{SkipRuntime: true, Threads: 1 << 20}, &out)

	if !strings.Contains(out.String(), "oversubscribes") {
		t.Errorf("expected oversubscription note:\n%s", out.String())
	}
}

func TestCPUFeatures_Deterministic(t *testing.T) {
	a := strings.Join(doctor.CPUFeatures(), " ")
	b := strings.Join(doctor.CPUFeatures(), " ")

	if a != b {
		t.Errorf("CPUFeatures not stable: %q vs %q", a, b)
	}
}

func TestRun_OutputContainsPassAndFailMarkers(t *testing.T) {
	cfg := doctor.Config{
		Runtime: func() (string, error) { return "", errLibraryNotFound },
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	body := out.String()
	if !strings.Contains(body, doctor.PassMark) {
		t.Errorf("output missing pass marker %q:\n%s", doctor.PassMark, body)
	}

	if !strings.Contains(body, doctor.FailMark) {
		t.Errorf("output missing fail marker %q:\n%s", doctor.FailMark, body)
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	if r.Failed() {
		t.Fatal("zero Result should not be failed")
	}

	r.AddFailure("model verify: boom")

	got := r.Failures()
	if len(got) != 1 || got[0] != "model verify: boom" {
		t.Fatalf("Failures() = %v", got)
	}

	got[0] = "mutated"
	if r.Failures()[0] != "model verify: boom" {
		t.Error("Failures must return a copy")
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errLibraryNotFound = sentinelError("library not found")

func hasFailureContaining(failures []string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}

	return false
}
