package report

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/example/convbench/internal/harness"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT    NOT NULL,
	name         TEXT    NOT NULL,
	ok           INTEGER NOT NULL,
	max_error    REAL,
	tolerance    REAL    NOT NULL,
	fps_baseline REAL,
	fps_engine   REAL,
	error        TEXT,
	started_at   TEXT    NOT NULL,
	duration_ms  REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS results_name ON results(name);
CREATE INDEX IF NOT EXISTS results_run ON results(run_id);
`

// History is an append-only sqlite store of case outcomes across runs.
type History struct {
	db *sql.DB
}

// Entry is one stored outcome.
type Entry struct {
	RunID       string
	Name        string
	OK          bool
	MaxError    sql.NullFloat64
	Tolerance   float64
	BaselineFPS sql.NullFloat64
	EngineFPS   sql.NullFloat64
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// OpenHistory opens or creates the history database at path.
func OpenHistory(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("report: create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("report: open history: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("report: history pragma: %w", err)
		}
	}

	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report: history schema: %w", err)
	}

	return &History{db: db}, nil
}

func (h *History) Close() error { return h.db.Close() }

// Record stores one outcome.
func (h *History) Record(ctx context.Context, o harness.Outcome) error {
	var (
		maxErr, base, eng sql.NullFloat64
		errText           sql.NullString
	)

	if o.OK() {
		maxErr = finite(o.Result.MaxError)
		base = finite(o.Result.BaselineFPS)
		eng = finite(o.Result.EngineFPS)
	} else {
		errText = sql.NullString{String: o.Err.Error(), Valid: true}
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO results (run_id, name, ok, max_error, tolerance, fps_baseline, fps_engine, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.Name, o.OK(), maxErr, o.Tolerance, base, eng, errText,
		o.Started.UTC().Format(time.RFC3339Nano), o.Duration.Seconds()*1000,
	)
	if err != nil {
		return fmt.Errorf("report: record %s: %w", o.Name, err)
	}

	return nil
}

// Query filters Entries. Zero values select everything.
type Query struct {
	Name  string
	RunID string
	Limit int
}

// Entries returns stored outcomes, newest first.
func (h *History) Entries(ctx context.Context, q Query) ([]Entry, error) {
	stmt := `SELECT run_id, name, ok, max_error, tolerance, fps_baseline, fps_engine, COALESCE(error, ''), started_at, duration_ms
		FROM results WHERE (? = '' OR name = ?) AND (? = '' OR run_id = ?) ORDER BY id DESC`

	args := []any{q.Name, q.Name, q.RunID, q.RunID}

	if q.Limit > 0 {
		stmt += " LIMIT ?"

		args = append(args, q.Limit)
	}

	rows, err := h.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("report: query history: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var (
			e       Entry
			started string
			ms      float64
		)

		if err := rows.Scan(&e.RunID, &e.Name, &e.OK, &e.MaxError, &e.Tolerance, &e.BaselineFPS, &e.EngineFPS, &e.Error, &started, &ms); err != nil {
			return nil, fmt.Errorf("report: scan history: %w", err)
		}

		if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("report: history timestamp %q: %w", started, err)
		}

		e.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: read history: %w", err)
	}

	return out, nil
}

func finite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: v, Valid: true}
}
