package convert

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/example/convbench/internal/config"
	"github.com/example/convbench/internal/onnx"
)

// Options are the keyword options accepted by Convert.
type Options struct {
	FP16Mode     bool   `mapstructure:"fp16_mode"`
	MaxBatchSize int64  `mapstructure:"max_batch_size"`
	Workers      int    `mapstructure:"workers"`
	Backend      string `mapstructure:"backend"`

	// Runtime locates ONNX Runtime for the onnx backend. It is set by the
	// caller, never decoded from keyword options.
	Runtime onnx.RunnerConfig `mapstructure:"-"`
}

func DefaultOptions() Options {
	return Options{
		MaxBatchSize: 1,
		Backend:      config.BackendNative,
	}
}

// DecodeOptions decodes keyword options over DefaultOptions. Unknown keys
// are rejected and scalar values are weakly typed, so "true" and 1 both
// enable fp16_mode.
func DecodeOptions(kw map[string]any) (Options, error) {
	opts := DefaultOptions()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return Options{}, fmt.Errorf("convert: options decoder: %w", err)
	}

	if err := dec.Decode(kw); err != nil {
		return Options{}, fmt.Errorf("convert: decode options: %w", err)
	}

	if err := opts.normalize(); err != nil {
		return Options{}, err
	}

	return opts, nil
}

func (o *Options) normalize() error {
	backend, err := config.NormalizeBackend(o.Backend)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}

	o.Backend = backend

	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = 1
	}

	if o.MaxBatchSize < 0 {
		return fmt.Errorf("convert: max_batch_size must be positive, got %d", o.MaxBatchSize)
	}

	if o.Workers < 0 {
		return fmt.Errorf("convert: workers must be >= 0, got %d", o.Workers)
	}

	return nil
}
