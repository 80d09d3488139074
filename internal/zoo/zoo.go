// Package zoo builds the torchvision classification architectures on the
// pure-Go runtime. Weights are initialised deterministically per model name
// and replaced by a safetensors checkpoint when one is available.
package zoo

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/runtime/tensor"
	"github.com/example/convbench/internal/safetensors"
)

// ErrUnknownModel is returned for names not in the registry.
var ErrUnknownModel = errors.New("zoo: unknown model")

// Factory builds a fresh model instance.
type Factory func() (*nn.Model, error)

type builder func() *nn.Model

var registry = map[string]builder{
	"alexnet":       alexnet,
	"squeezenet1_0": func() *nn.Model { return squeezenet("squeezenet1_0") },
	"squeezenet1_1": func() *nn.Model { return squeezenet("squeezenet1_1") },
	"resnet18":      func() *nn.Model { return resnet("resnet18", basicBlock, [4]int{2, 2, 2, 2}) },
	"resnet34":      func() *nn.Model { return resnet("resnet34", basicBlock, [4]int{3, 4, 6, 3}) },
	"resnet50":      func() *nn.Model { return resnet("resnet50", bottleneck, [4]int{3, 4, 6, 3}) },
	"resnet101":     func() *nn.Model { return resnet("resnet101", bottleneck, [4]int{3, 4, 23, 3}) },
	"resnet152":     func() *nn.Model { return resnet("resnet152", bottleneck, [4]int{3, 8, 36, 3}) },
	"densenet121":   func() *nn.Model { return densenet("densenet121", 32, [4]int{6, 12, 24, 16}, 64) },
	"densenet161":   func() *nn.Model { return densenet("densenet161", 48, [4]int{6, 12, 36, 24}, 96) },
	"densenet169":   func() *nn.Model { return densenet("densenet169", 32, [4]int{6, 12, 32, 32}, 64) },
	"densenet201":   func() *nn.Model { return densenet("densenet201", 32, [4]int{6, 12, 48, 32}, 64) },
	"vgg11":         func() *nn.Model { return vgg("vgg11", "A", false) },
	"vgg13":         func() *nn.Model { return vgg("vgg13", "B", false) },
	"vgg16":         func() *nn.Model { return vgg("vgg16", "D", false) },
	"vgg19":         func() *nn.Model { return vgg("vgg19", "E", false) },
	"vgg11_bn":      func() *nn.Model { return vgg("vgg11_bn", "A", true) },
	"vgg13_bn":      func() *nn.Model { return vgg("vgg13_bn", "B", true) },
	"vgg16_bn":      func() *nn.Model { return vgg("vgg16_bn", "D", true) },
	"vgg19_bn":      func() *nn.Model { return vgg("vgg19_bn", "E", true) },
}

// Names lists every registered architecture in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// Build returns a deterministically initialised model.
func Build(name string) (*nn.Model, error) {
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}

	return b(), nil
}

// Library resolves model names to factories. When WeightsDir contains
// <name>.safetensors the checkpoint replaces the seeded initialisation.
type Library struct {
	WeightsDir string
}

// Factory returns a zero-argument constructor for name.
func (l Library) Factory(name string) (Factory, error) {
	if _, ok := registry[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}

	return func() (*nn.Model, error) {
		m, err := Build(name)
		if err != nil {
			return nil, err
		}

		path := l.WeightsPath(name)
		if path == "" {
			return m, nil
		}

		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				slog.Debug("no pretrained weights, using seeded init", "model", name, "path", path)
				return m, nil
			}

			return nil, fmt.Errorf("zoo: stat weights for %s: %w", name, err)
		}

		if err := LoadWeights(m, path); err != nil {
			return nil, err
		}

		slog.Debug("loaded pretrained weights", "model", name, "path", path)

		return m, nil
	}, nil
}

// WeightsPath is where Factory looks for the checkpoint of name.
func (l Library) WeightsPath(name string) string {
	if l.WeightsDir == "" {
		return ""
	}

	return filepath.Join(l.WeightsDir, name+".safetensors")
}

// LoadWeights applies a torchvision-keyed safetensors checkpoint to m.
func LoadWeights(m *nn.Model, path string) error {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{
		KeyMapper: safetensors.DropKeysWithSuffix(".num_batches_tracked"),
	})
	if err != nil {
		return fmt.Errorf("zoo: open weights for %s: %w", m.Name, err)
	}
	defer store.Close()

	if err := m.LoadState(store); err != nil {
		return fmt.Errorf("zoo: %w", err)
	}

	return nil
}

// SaveWeights writes the parameters of m as a torchvision-keyed checkpoint.
func SaveWeights(m *nn.Model, path string) error {
	params := m.Params()
	state := make(map[string]*tensor.Tensor, len(params))

	for _, p := range params {
		state[p.Name] = p.Value
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("zoo: create weights dir: %w", err)
	}

	return safetensors.WriteFile(path, state)
}
