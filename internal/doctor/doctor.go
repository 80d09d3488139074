// Package doctor provides environment preflight checks for convbench.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sys/cpu"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RuntimeFunc describes the ONNX Runtime library or returns why it is unusable.
type RuntimeFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Runtime probes the ONNX Runtime shared library.
	Runtime RuntimeFunc
	// SkipRuntime skips the runtime probe (native backend).
	SkipRuntime bool

	// WeightsDir is scanned for <model>.safetensors checkpoints. Empty skips.
	WeightsDir string
	// ValidateCheckpoint, when set, is called for every checkpoint found.
	ValidateCheckpoint func(path string) error

	// ReportPath must be appendable.
	ReportPath string

	// Threads is the configured kernel worker count.
	Threads int
	// Features overrides the detected CPU feature list.
	Features []string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(w io.Writer, check string, err error) {
	r.failures = append(r.failures, fmt.Sprintf("%s: %v", check, err))
	fmt.Fprintf(w, "%s %s: %v\n", failStyle.Render(FailMark), check, err)
}

func pass(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "%s %s: %s\n", passStyle.Render(PassMark), check, detail)
}

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime -----------------------------------------------------
	switch {
	case cfg.SkipRuntime:
		pass(w, "onnx runtime", dimStyle.Render("skipped"))
	case cfg.Runtime == nil:
		res.fail(w, "onnx runtime", errors.New("no probe configured"))
	default:
		desc, err := cfg.Runtime()
		if err != nil {
			res.fail(w, "onnx runtime", err)
		} else {
			pass(w, "onnx runtime", desc)
		}
	}

	// ---- weights ----------------------------------------------------------
	checkWeights(cfg, w, &res)

	// ---- report file ------------------------------------------------------
	if cfg.ReportPath != "" {
		if err := checkAppendable(cfg.ReportPath); err != nil {
			res.fail(w, "report file", err)
		} else {
			pass(w, "report file", cfg.ReportPath+" is writable")
		}
	}

	// ---- CPU --------------------------------------------------------------
	features := cfg.Features
	if features == nil {
		features = CPUFeatures()
	}

	detail := fmt.Sprintf("%d logical cores, %s", runtime.NumCPU(), strings.Join(features, " "))
	if len(features) == 0 {
		detail = fmt.Sprintf("%d logical cores, no SIMD extensions detected", runtime.NumCPU())
	}

	if cfg.Threads > runtime.NumCPU() {
		detail += dimStyle.Render(fmt.Sprintf(" (threads=%d oversubscribes)", cfg.Threads))
	}

	pass(w, "cpu", detail)

	return res
}

func checkWeights(cfg Config, w io.Writer, res *Result) {
	if cfg.WeightsDir == "" {
		pass(w, "weights dir", dimStyle.Render("skipped"))
		return
	}

	info, err := os.Stat(cfg.WeightsDir)
	if errors.Is(err, os.ErrNotExist) {
		pass(w, "weights dir", cfg.WeightsDir+" not found, seeded initialisation will be used")
		return
	}

	if err != nil {
		res.fail(w, "weights dir", err)
		return
	}

	if !info.IsDir() {
		res.fail(w, "weights dir", fmt.Errorf("%s is not a directory", cfg.WeightsDir))
		return
	}

	checkpoints, err := filepath.Glob(filepath.Join(cfg.WeightsDir, "*.safetensors"))
	if err != nil {
		res.fail(w, "weights dir", err)
		return
	}

	sort.Strings(checkpoints)
	pass(w, "weights dir", fmt.Sprintf("%s (%d checkpoints)", cfg.WeightsDir, len(checkpoints)))

	if cfg.ValidateCheckpoint == nil {
		return
	}

	for _, path := range checkpoints {
		check := "checkpoint " + filepath.Base(path)
		if err := cfg.ValidateCheckpoint(path); err != nil {
			res.fail(w, check, err)
			continue
		}

		pass(w, check, "validation: ok")
	}
}

// checkAppendable opens path for appending without leaving a new file behind.
func checkAppendable(path string) error {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if !existed {
		return os.Remove(path)
	}

	return nil
}

// CPUFeatures lists the SIMD extensions relevant to the float32 kernels.
func CPUFeatures() []string {
	var out []string

	add := func(name string, ok bool) {
		if ok {
			out = append(out, name)
		}
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		add("sse4.1", cpu.X86.HasSSE41)
		add("avx", cpu.X86.HasAVX)
		add("avx2", cpu.X86.HasAVX2)
		add("fma", cpu.X86.HasFMA)
		add("avx512f", cpu.X86.HasAVX512F)
	case "arm64":
		add("asimd", cpu.ARM64.HasASIMD)
		add("fphp", cpu.ARM64.HasFPHP)
		add("asimdhp", cpu.ARM64.HasASIMDHP)
	}

	return out
}
