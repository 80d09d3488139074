// Package report writes harness outcomes as Markdown table rows, a JSON
// snapshot and a sqlite history.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/example/convbench/internal/harness"
)

// HeaderLines are the two Markdown table header lines.
var HeaderLines = []string{
	"| Name | Max Error | FPS (PyTorch) | FPS (TensorRT) |",
	"|------|-----------|---------------|----------------|",
}

// Header returns the table header followed by a newline.
func Header() string { return strings.Join(HeaderLines, "\n") + "\n" }

// FormatRow renders one outcome. Failed cases keep their name and leave the
// three metric cells blank.
func FormatRow(o harness.Outcome) string {
	if !o.OK() {
		return fmt.Sprintf("| %s |    |    |    |", o.Name)
	}

	r := o.Result

	return fmt.Sprintf("| %s | %.3g | %.3g | %.3g |", o.Name, r.MaxError, r.BaselineFPS, r.EngineFPS)
}

type Options struct {
	// WriteHeader writes the header into the report file when the file is
	// new or empty.
	WriteHeader bool
	Logger      *slog.Logger
}

// Reporter streams rows to stdout and appends each one to the report file,
// opening and closing the file per row.
type Reporter struct {
	out    io.Writer
	path   string
	opts   Options
	logger *slog.Logger
}

func NewReporter(out io.Writer, path string, opts Options) *Reporter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reporter{out: out, path: path, opts: opts, logger: logger}
}

// Begin prints the header to stdout and prepares the report file according
// to Options.WriteHeader.
func (r *Reporter) Begin() error {
	if _, err := io.WriteString(r.out, Header()); err != nil {
		return fmt.Errorf("report: write header: %w", err)
	}

	first, err := firstLine(r.path)
	if err != nil {
		return err
	}

	switch {
	case first == "" && r.opts.WriteHeader:
		return r.appendLines(HeaderLines...)
	case first != "" && first != HeaderLines[0]:
		r.logger.Warn("appending rows to a report file without a table header", "path", r.path)
	}

	return nil
}

// Record prints the outcome row and appends it to the report file.
func (r *Reporter) Record(o harness.Outcome) error {
	row := FormatRow(o)

	if _, err := fmt.Fprintln(r.out, row); err != nil {
		return fmt.Errorf("report: write row: %w", err)
	}

	return r.appendLines(row)
}

func (r *Reporter) appendLines(lines ...string) error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("report: open %s: %w", r.path, err)
	}

	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			_ = f.Close()
			return fmt.Errorf("report: append to %s: %w", r.path, err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("report: close %s: %w", r.path, err)
	}

	return nil
}

// firstLine returns the first line of path, or "" when the file is missing
// or empty.
func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}

		return "", fmt.Errorf("report: open %s: %w", path, err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	if s.Scan() {
		return strings.TrimRight(s.Text(), "\r"), nil
	}

	return "", s.Err()
}
