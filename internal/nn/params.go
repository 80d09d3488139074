package nn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/convbench/internal/runtime/tensor"
)

type namedTensor struct {
	name string
	ptr  **tensor.Tensor
}

type paramLayer interface {
	params() []namedTensor
}

// Param is a learnable tensor or running statistic addressed by its
// torchvision state-dict key.
type Param struct {
	Name  string
	Value *tensor.Tensor

	ptr **tensor.Tensor
}

// StateSource provides tensors by state-dict key. *safetensors.Store
// implements it.
type StateSource interface {
	Names() []string
	Tensor(name string) (*tensor.Tensor, error)
}

// Params lists every parameter in depth-first, declaration order.
func (m *Model) Params() []Param {
	var out []Param

	collectParams("", m.Root, &out)

	for _, h := range m.Heads {
		collectParams(h.Name, h.Layer, &out)
	}

	return out
}

func collectParams(prefix string, l Layer, out *[]Param) {
	if pl, ok := l.(paramLayer); ok {
		for _, nt := range pl.params() {
			*out = append(*out, Param{Name: joinKey(prefix, nt.name), Value: *nt.ptr, ptr: nt.ptr})
		}
	}

	if p, ok := l.(Parent); ok {
		for _, c := range p.Children() {
			collectParams(joinKey(prefix, c.Name), c.Layer, out)
		}
	}
}

func joinKey(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "." + name
	}
}

// ParamCount returns the total number of parameter elements.
func (m *Model) ParamCount() int64 {
	var n int64
	for _, p := range m.Params() {
		n += int64(p.Value.ElemCount())
	}

	return n
}

// LoadState replaces every parameter with the tensor of the same key in src.
// Missing keys, unexpected keys and shape mismatches are errors.
func (m *Model) LoadState(src StateSource) error {
	params := m.Params()
	known := make(map[string]struct{}, len(params))

	for _, p := range params {
		known[p.Name] = struct{}{}
	}

	var unexpected []string

	for _, name := range src.Names() {
		if _, ok := known[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}

	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("nn: load state for %s: unexpected keys: %s", m.Name, strings.Join(unexpected, ", "))
	}

	for _, p := range params {
		t, err := src.Tensor(p.Name)
		if err != nil {
			return fmt.Errorf("nn: load state for %s: %w", m.Name, err)
		}

		if !tensor.SameShape(t, p.Value) {
			return fmt.Errorf("nn: load state for %s: %s has shape %v, want %v", m.Name, p.Name, t.Shape(), p.Value.Shape())
		}

		if m.precision == Float16 {
			t = tensor.RoundFloat16(t)
		}

		*p.ptr = t
	}

	return nil
}

// Set replaces the parameter value. The shape must not change.
func (p Param) Set(t *tensor.Tensor) error {
	if !tensor.SameShape(t, p.Value) {
		return fmt.Errorf("nn: set %s: shape %v, want %v", p.Name, t.Shape(), p.Value.Shape())
	}

	*p.ptr = t

	return nil
}
