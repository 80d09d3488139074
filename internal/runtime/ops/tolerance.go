package ops

import "fmt"

// Tolerance defines acceptable numeric drift between a kernel and its
// reference.
type Tolerance struct {
	Abs float64
	Rel float64
}

// KernelTolerances defines per-kernel parity targets used when checking the
// fused native kernels against the unfused reference path.
var KernelTolerances = map[string]Tolerance{
	"conv2d":           {Abs: 1e-4, Rel: 1e-4},
	"conv2d_bn_fold":   {Abs: 2e-4, Rel: 2e-4},
	"batchnorm2d":      {Abs: 1e-5, Rel: 1e-5},
	"relu":             {Abs: 0, Rel: 0},
	"maxpool2d":        {Abs: 0, Rel: 0},
	"avgpool2d":        {Abs: 1e-6, Rel: 1e-6},
	"adaptive_avgpool": {Abs: 1e-6, Rel: 1e-6},
	"linear":           {Abs: 1e-4, Rel: 1e-4},
	"add":              {Abs: 0, Rel: 0},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}
