// Package bench provides the timing primitives behind the convbench
// throughput columns.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Timing loop
// ---------------------------------------------------------------------------

// DefaultIterations is the repetition count behind every throughput figure.
const DefaultIterations = 50

// Measurement holds the result of one fixed-count timing loop.
type Measurement struct {
	Iterations int
	Elapsed    time.Duration
	Durations  []time.Duration
}

// Measure calls fn n times back to back and records wall time. The context
// is checked between repetitions; a cancelled loop returns ctx.Err().
func Measure(ctx context.Context, n int, fn func(context.Context) error) (Measurement, error) {
	if n < 1 {
		return Measurement{}, fmt.Errorf("bench: iterations must be >= 1, got %d", n)
	}

	m := Measurement{Iterations: n, Durations: make([]time.Duration, 0, n)}
	start := time.Now()

	for i := range n {
		if err := ctx.Err(); err != nil {
			return Measurement{}, err
		}

		t0 := time.Now()
		if err := fn(ctx); err != nil {
			return Measurement{}, fmt.Errorf("bench: iteration %d: %w", i, err)
		}

		m.Durations = append(m.Durations, time.Since(t0))
	}

	m.Elapsed = time.Since(start)

	return m, nil
}

// Throughput is iterations per second of elapsed wall time.
func (m Measurement) Throughput() float64 { return Throughput(m.Iterations, m.Elapsed) }

// Stats aggregates the per-iteration durations.
func (m Measurement) Stats() Stats { return ComputeStats(m.Durations) }

// Throughput returns n / elapsed in calls per second. Returns 0 if elapsed is
// zero to avoid division by zero.
func Throughput(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(n) / elapsed.Seconds()
}

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// An empty slice yields zero Stats.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	mn, mx := durations[0], durations[0]

	var sum time.Duration

	for _, d := range durations {
		if d < mn {
			mn = d
		}

		if d > mx {
			mx = d
		}

		sum += d
	}

	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// ---------------------------------------------------------------------------
// Max error gate
// ---------------------------------------------------------------------------

// CheckMaxError returns an error if maxErr exceeds tolerance or is NaN.
// A tolerance <= 0 disables the gate.
func CheckMaxError(name string, maxErr, tolerance float64) error {
	if tolerance <= 0 {
		return nil
	}

	if math.IsNaN(maxErr) || maxErr > tolerance {
		return fmt.Errorf("%s: max error %.3g exceeds tolerance %.3g", name, maxErr, tolerance)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// CaseTiming is the timing summary of one variant of one case.
type CaseTiming struct {
	Case       string
	Variant    string
	Stats      Stats
	Throughput float64
}

// NewCaseTiming summarizes m for the given case and variant.
func NewCaseTiming(name, variant string, m Measurement) CaseTiming {
	return CaseTiming{Case: name, Variant: variant, Stats: m.Stats(), Throughput: m.Throughput()}
}

// FormatTable writes a human-readable ASCII table of case timings to w.
func FormatTable(rows []CaseTiming, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-28s  %-7s  %10s  %10s  %10s  %10s\n", "Case", "Variant", "Min(ms)", "Mean(ms)", "Max(ms)", "FPS")
	fmt.Fprintln(sb, strings.Repeat("-", 84))

	for _, r := range rows {
		fmt.Fprintf(sb, "%-28s  %-7s  %10.2f  %10.2f  %10.2f  %10.3g\n",
			r.Case,
			r.Variant,
			ms(r.Stats.Min),
			ms(r.Stats.Mean),
			ms(r.Stats.Max),
			r.Throughput,
		)
	}

	fmt.Fprint(w, sb.String())
}

type jsonTiming struct {
	Case       string  `json:"case"`
	Variant    string  `json:"variant"`
	MinMS      float64 `json:"min_ms"`
	MeanMS     float64 `json:"mean_ms"`
	MaxMS      float64 `json:"max_ms"`
	Throughput float64 `json:"fps"`
}

// FormatJSON writes a JSON array of case timings to w.
func FormatJSON(rows []CaseTiming, w io.Writer) error {
	out := make([]jsonTiming, len(rows))
	for i, r := range rows {
		out[i] = jsonTiming{
			Case:       r.Case,
			Variant:    r.Variant,
			MinMS:      ms(r.Stats.Min),
			MeanMS:     ms(r.Stats.Mean),
			MaxMS:      ms(r.Stats.Max),
			Throughput: r.Throughput,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func ms(d time.Duration) float64 { return d.Seconds() * 1000 }
