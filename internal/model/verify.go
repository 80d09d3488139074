package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/example/convbench/internal/onnx"
	"github.com/example/convbench/internal/runtime/tensor"
)

type VerifyOptions struct {
	ManifestPath string
	Runtime      onnx.RunnerConfig
	Stdout       io.Writer
	Stderr       io.Writer
}

var runSmoke = runSmokeImpl

// Verify checks every graph in the manifest: the file checksum must match
// and the graph must run once on all-ones inputs.
func Verify(ctx context.Context, opts VerifyOptions) error {
	if opts.ManifestPath == "" {
		return errors.New("manifest path is required")
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	man, err := ReadManifest(opts.ManifestPath)
	if err != nil {
		return err
	}

	dir := filepath.Dir(opts.ManifestPath)

	var failures []string

	for _, g := range man.Graphs {
		if err := verifyGraph(ctx, g, dir, opts.Runtime); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", g.Name, err)
			failures = append(failures, g.Name)

			continue
		}

		_, _ = fmt.Fprintf(opts.Stdout, "PASS %s\n", g.Name)
	}

	if len(failures) > 0 {
		return fmt.Errorf("verify failed for %d graph(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return nil
}

func verifyGraph(ctx context.Context, g Graph, dir string, cfg onnx.RunnerConfig) error {
	s := g.Session(dir)

	sum, err := fileSHA256(s.Path)
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}

	if g.SHA256 != "" && !strings.EqualFold(sum, g.SHA256) {
		return fmt.Errorf("checksum mismatch: manifest %s, file %s", g.SHA256, sum)
	}

	return runSmoke(ctx, s, cfg)
}

func runSmokeImpl(ctx context.Context, s onnx.Session, cfg onnx.RunnerConfig) error {
	r, err := onnx.NewRunner(s, cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	inputs := make(map[string]*tensor.Tensor, len(s.Inputs))

	for _, in := range s.Inputs {
		shape := make([]int64, len(in.Shape))
		for i, d := range in.Shape {
			// Symbolic dimensions are exported as -1.
			shape[i] = max(d, 1)
		}

		x, err := tensor.Ones(shape)
		if err != nil {
			return fmt.Errorf("input %q: %w", in.Name, err)
		}

		inputs[in.Name] = x
	}

	outs, err := r.Run(ctx, inputs)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	for _, out := range s.Outputs {
		if _, ok := outs[out.Name]; !ok {
			return fmt.Errorf("output %q missing", out.Name)
		}
	}

	return nil
}
