package tensor

import (
	"fmt"
	"math"
)

// MaxAbsDiff returns max(|a[i] - b[i]|) over all elements. The shapes must
// match. A NaN on either side makes the result NaN.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if a == nil || b == nil {
		return 0, fmt.Errorf("tensor: max abs diff requires non-nil tensors")
	}

	if !SameShape(a, b) {
		return 0, fmt.Errorf("tensor: max abs diff shape mismatch %v vs %v", a.shape, b.shape)
	}

	var worst float64

	for i := range a.data {
		d := math.Abs(float64(a.data[i]) - float64(b.data[i]))
		if math.IsNaN(d) {
			return math.NaN(), nil
		}

		if d > worst {
			worst = d
		}
	}

	return worst, nil
}
