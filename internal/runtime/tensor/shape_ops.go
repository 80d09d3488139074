package tensor

import (
	"errors"
	"fmt"
)

// Concat concatenates tensors along dim. DenseNet and SqueezeNet use it to
// join feature maps along the channel axis.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}

		for d := range rank {
			if d != dim && t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}

		outShape[dim] += t.shape[dim]
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	inner := int64(1)
	for i := dim + 1; i < rank; i++ {
		inner *= outShape[i]
	}

	outer := int64(1)
	for i := range dim {
		outer *= outShape[i]
	}

	rowLen := outShape[dim] * inner

	for o := range outer {
		dst := o * rowLen
		for _, t := range tensors {
			n := t.shape[dim] * inner
			copy(out.data[dst:dst+n], t.data[o*n:(o+1)*n])
			dst += n
		}
	}

	return out, nil
}

// Flatten collapses every dimension from start onwards into one.
func Flatten(t *Tensor, start int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: flatten on nil tensor")
	}

	start, err := normalizeDim(start, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: flatten: %w", err)
	}

	outShape := make([]int64, 0, start+1)
	outShape = append(outShape, t.shape[:start]...)

	tail := int64(1)
	for _, d := range t.shape[start:] {
		tail *= d
	}

	outShape = append(outShape, tail)

	return t.Reshape(outShape)
}
