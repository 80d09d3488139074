package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/example/convbench/internal/bench"
)

// Outcome is the tagged result of one case: Err is nil on success and Result
// is meaningful only then.
type Outcome struct {
	RunID     string
	Name      string
	Tolerance float64
	Result    Result
	Err       error
	Started   time.Time
	Duration  time.Duration
}

func (o Outcome) OK() bool { return o.Err == nil }

// Runner executes catalog cases one after another.
type Runner struct {
	Converter  Converter
	Iterations int
	Logger     *slog.Logger
	// RunID tags every outcome and log line. NewRunner generates one.
	RunID string
}

func NewRunner(conv Converter, iterations int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	if iterations < 1 {
		iterations = bench.DefaultIterations
	}

	id := uuid.NewString()

	return &Runner{
		Converter:  conv,
		Iterations: iterations,
		Logger:     logger.With("run_id", id),
		RunID:      id,
	}
}

// RunAll runs every case in catalog order and hands each outcome to sink as
// soon as it is known. A failing case never stops the loop; a sink error or
// a cancelled context does. The outcomes recorded so far are returned in
// both cases. A case interrupted by cancellation is not recorded.
func (r *Runner) RunAll(ctx context.Context, cat *Catalog, sink func(Outcome) error) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, cat.Len())

	for _, tc := range cat.Cases() {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		o := r.runCase(ctx, tc)

		if o.Err != nil && ctx.Err() != nil && errors.Is(o.Err, ctx.Err()) {
			return outcomes, ctx.Err()
		}

		outcomes = append(outcomes, o)

		if sink != nil {
			if err := sink(o); err != nil {
				return outcomes, fmt.Errorf("harness: record %s: %w", tc.Name, err)
			}
		}
	}

	return outcomes, nil
}

func (r *Runner) runCase(ctx context.Context, tc Case) (o Outcome) {
	o = Outcome{RunID: r.RunID, Name: tc.Name, Tolerance: tc.MaxError, Started: time.Now()}
	log := r.Logger.With("case", tc.Name)

	log.Info("case started", "precision", precisionTag(tc.Precision), "device", tc.Device, "shapes", tc.Shapes)

	defer func() {
		if p := recover(); p != nil {
			o.Err = fmt.Errorf("%s: panic: %v", tc.Name, p)
			log.Debug("case panic stack", "stack", string(debug.Stack()))
		}

		o.Duration = time.Since(o.Started)

		if o.Err != nil {
			o.Result = Result{}
			log.Warn("case failed", "error", o.Err, "duration", o.Duration)

			return
		}

		log.Info("case finished",
			"max_error", o.Result.MaxError,
			"fps_baseline", o.Result.BaselineFPS,
			"fps_engine", o.Result.EngineFPS,
			"plan", o.Result.Plan,
			"duration", o.Duration,
		)
	}()

	o.Result, o.Err = tc.Run(ctx, r.Converter, r.Iterations)

	return o
}
