package bench

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
)

// StartCPUProfile writes a CPU profile to path until the returned stop
// function is called.
func StartCPUProfile(path string) (stop func() error, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("bench: create cpuprofile: %w", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bench: start cpuprofile: %w", err)
	}

	return func() error {
		pprof.StopCPUProfile()
		return f.Close()
	}, nil
}

// Stage runs fn with pprof labels case=<name> stage=<stage> so profiles can
// be split per case and per variant.
func Stage(ctx context.Context, name, stage string, fn func(context.Context) error) error {
	var err error

	pprof.Do(ctx, pprof.Labels("case", name, "stage", stage), func(ctx context.Context) {
		err = fn(ctx)
	})

	return err
}
