//go:build js && wasm

package onnx

import (
	"context"
	"fmt"

	"github.com/example/convbench/internal/runtime/tensor"
)

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner is unavailable in js/wasm.
type Runner struct {
	name string
}

// NewRunner always returns ErrRuntimeUnavailable in js/wasm.
func NewRunner(meta Session, _ RunnerConfig) (*Runner, error) {
	return nil, fmt.Errorf("%w: native runner unavailable in js/wasm for graph %q", ErrRuntimeUnavailable, meta.Name)
}

func (r *Runner) Run(_ context.Context, _ map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	return nil, fmt.Errorf("%w: native runner unavailable in js/wasm for graph %q", ErrRuntimeUnavailable, r.name)
}

func (r *Runner) Close() {}

func (r *Runner) Name() string {
	return r.name
}
