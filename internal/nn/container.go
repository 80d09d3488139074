package nn

import (
	"fmt"

	"github.com/example/convbench/internal/runtime/ops"
	"github.com/example/convbench/internal/runtime/tensor"
)

// Sequential applies its children in order.
type Sequential struct {
	children []Named
	half     bool
}

// Seq builds a Sequential whose children are named by position, like
// torch.nn.Sequential(*layers).
func Seq(layers ...Layer) *Sequential {
	s := &Sequential{}
	for i, l := range layers {
		s.Add(fmt.Sprint(i), l)
	}

	return s
}

// Add appends a named child and returns s.
func (s *Sequential) Add(name string, l Layer) *Sequential {
	s.children = append(s.children, Named{Name: name, Layer: l})
	return s
}

func (s *Sequential) Len() int { return len(s.children) }

func (s *Sequential) Children() []Named { return s.children }

func (s *Sequential) setHalf(h bool) { s.half = h }

func (s *Sequential) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	for _, c := range s.children {
		y, err := c.Layer.Apply(x)
		if err != nil {
			if c.Name == "" {
				return nil, err
			}

			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}

		x = roundIf(s.half, y)
	}

	return x, nil
}

// Residual computes relu(Body(x) + Shortcut(x)). A nil Shortcut is the
// identity.
type Residual struct {
	Body     *Sequential
	Shortcut Layer
	half     bool
}

func (r *Residual) Children() []Named {
	out := []Named{{Layer: r.Body}}
	if r.Shortcut != nil {
		out = append(out, Named{Name: "downsample", Layer: r.Shortcut})
	}

	return out
}

func (r *Residual) setHalf(h bool) { r.half = h }

func (r *Residual) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := r.Body.Apply(x)
	if err != nil {
		return nil, err
	}

	identity := x
	if r.Shortcut != nil {
		identity, err = r.Shortcut.Apply(x)
		if err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}

	out, err := ops.Add(y, identity, true)
	if err != nil {
		return nil, err
	}

	return roundIf(r.half, out), nil
}

// Branches feeds the same input to every arm and concatenates the arm
// outputs along the channel axis.
type Branches struct {
	Arms []Named
	half bool
}

func (b *Branches) Children() []Named { return b.Arms }

func (b *Branches) setHalf(h bool) { b.half = h }

func (b *Branches) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	outs := make([]*tensor.Tensor, 0, len(b.Arms))

	for _, arm := range b.Arms {
		y, err := arm.Layer.Apply(x)
		if err != nil {
			return nil, fmt.Errorf("branch %s: %w", arm.Name, err)
		}

		outs = append(outs, y)
	}

	out, err := tensor.Concat(outs, 1)
	if err != nil {
		return nil, err
	}

	return roundIf(b.half, out), nil
}

// DenseBlock feeds each layer the channel concatenation of the block input
// and every previous layer output, and returns the concatenation of all of
// them.
type DenseBlock struct {
	Layers []Named
	half   bool
}

func (d *DenseBlock) Children() []Named { return d.Layers }

func (d *DenseBlock) setHalf(h bool) { d.half = h }

func (d *DenseBlock) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	features := []*tensor.Tensor{x}

	for _, l := range d.Layers {
		in, err := tensor.Concat(features, 1)
		if err != nil {
			return nil, err
		}

		y, err := l.Layer.Apply(in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Name, err)
		}

		features = append(features, roundIf(d.half, y))
	}

	return tensor.Concat(features, 1)
}
