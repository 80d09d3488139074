package tensor

import (
	"errors"
	"fmt"
)

// Linear applies y = x * W^T + b where weight shape is [out, in], using the
// package default worker count.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	return LinearWorkers(x, weight, bias, Workers())
}

// LinearWorkers is Linear with an explicit worker count for the output
// features loop.
func LinearWorkers(x, weight, bias *Tensor, nWorkers int) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]

	out := weight.shape[0]
	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != out) {
		return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
	}

	inI := int(in)
	outI := int(out)
	batch := 0

	if inI > 0 {
		batch = len(x.data) / inI
	}

	outData := make([]float32, batch*outI)
	wData := weight.data

	for bIdx := range batch {
		xSlice := x.data[bIdx*inI : bIdx*inI+inI]
		yRow := outData[bIdx*outI : (bIdx+1)*outI]

		ParallelFor(outI, nWorkers, func(lo, hi int) {
			for o := lo; o < hi; o++ {
				sum := dotF32(xSlice, wData[o*inI:(o+1)*inI])
				if bias != nil {
					sum += bias.data[o]
				}

				yRow[o] = sum
			}
		})
	}

	outShape := make([]int64, x.Rank())
	copy(outShape, x.shape[:x.Rank()-1])
	outShape[x.Rank()-1] = out

	return newOwned(outData, outShape), nil
}
