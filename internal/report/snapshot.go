package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/example/convbench/internal/harness"
)

// Snapshot is the JSON document written by WriteJSON.
type Snapshot struct {
	RunID     string         `json:"run_id"`
	CreatedAt time.Time      `json:"created_at"`
	Cases     []CaseSnapshot `json:"cases"`
}

type CaseSnapshot struct {
	Name        string   `json:"name"`
	OK          bool     `json:"ok"`
	// MaxError is null for failed cases and non-finite errors.
	MaxError    *float64 `json:"max_error"`
	Tolerance   float64  `json:"tolerance"`
	BaselineFPS float64  `json:"fps_baseline,omitempty"`
	EngineFPS   float64  `json:"fps_engine,omitempty"`
	Plan        string   `json:"plan,omitempty"`
	Error       string   `json:"error,omitempty"`
	DurationMS  float64  `json:"duration_ms"`
}

// NewSnapshot captures outcomes, failure causes included.
func NewSnapshot(runID string, outcomes []harness.Outcome) Snapshot {
	s := Snapshot{RunID: runID, CreatedAt: time.Now().UTC(), Cases: make([]CaseSnapshot, 0, len(outcomes))}

	for _, o := range outcomes {
		c := CaseSnapshot{
			Name:       o.Name,
			OK:         o.OK(),
			Tolerance:  o.Tolerance,
			DurationMS: o.Duration.Seconds() * 1000,
		}

		if o.OK() {
			if e := o.Result.MaxError; !math.IsNaN(e) && !math.IsInf(e, 0) {
				c.MaxError = &e
			}

			c.BaselineFPS = o.Result.BaselineFPS
			c.EngineFPS = o.Result.EngineFPS
			c.Plan = o.Result.Plan
		} else {
			c.Error = o.Err.Error()
		}

		s.Cases = append(s.Cases, c)
	}

	return s
}

// WriteJSON writes the snapshot of outcomes to path, replacing any previous
// file.
func WriteJSON(path, runID string, outcomes []harness.Outcome) error {
	data, err := json.MarshalIndent(NewSnapshot(runID, outcomes), "", "  ")
	if err != nil {
		return fmt.Errorf("report: encode snapshot: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("report: write snapshot %s: %w", path, err)
	}

	return nil
}
