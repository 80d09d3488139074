package zoo

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/example/convbench/internal/nn"
)

type convInit int

const (
	convKaimingNormalFanOut convInit = iota
	convKaimingNormalFanIn
	convKaimingUniform
	convTorchDefault
)

type linearInit int

const (
	linearTorchDefault linearInit = iota
	linearNormal
	linearZeroBias
)

// newRand returns a generator seeded from the model name, so every build of
// the same architecture produces identical weights.
func newRand(name string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	seed := h.Sum64()

	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// initialize mirrors the torchvision weight init of each architecture.
// Batch norms keep their identity initialisation.
func initialize(m *nn.Model, ci convInit, li linearInit) {
	r := newRand(m.Name)

	visit := func(l nn.Layer) {
		switch l := l.(type) {
		case *nn.Conv2d:
			initConv(r, l, ci)
		case *nn.Linear:
			initLinear(r, l, li)
		}
	}

	nn.Walk(m.Root, visit)

	for _, h := range m.Heads {
		nn.Walk(h.Layer, visit)
	}
}

func initConv(r *rand.Rand, c *nn.Conv2d, ci convInit) {
	shape := c.Weight.Shape()
	receptive := float64(shape[2] * shape[3])
	fanIn := float64(shape[1]) * receptive
	fanOut := float64(shape[0]) * receptive

	w := c.Weight.RawData()

	switch ci {
	case convKaimingNormalFanOut:
		fillNormal(r, w, math.Sqrt(2/fanOut))
	case convKaimingNormalFanIn:
		fillNormal(r, w, math.Sqrt(2/fanIn))
	case convKaimingUniform:
		fillUniform(r, w, math.Sqrt(6/fanIn))
	case convTorchDefault:
		bound := 1 / math.Sqrt(fanIn)
		fillUniform(r, w, bound)

		if c.Bias != nil {
			fillUniform(r, c.Bias.RawData(), bound)
		}
	}
}

func initLinear(r *rand.Rand, l *nn.Linear, li linearInit) {
	bound := 1 / math.Sqrt(float64(l.Weight.Dim(1)))

	switch li {
	case linearNormal:
		fillNormal(r, l.Weight.RawData(), 0.01)
	case linearTorchDefault:
		fillUniform(r, l.Weight.RawData(), bound)

		if l.Bias != nil {
			fillUniform(r, l.Bias.RawData(), bound)
		}
	case linearZeroBias:
		fillUniform(r, l.Weight.RawData(), bound)
	}
}

func fillNormal(r *rand.Rand, data []float32, std float64) {
	for i := range data {
		data[i] = float32(r.NormFloat64() * std)
	}
}

func fillUniform(r *rand.Rand, data []float32, bound float64) {
	for i := range data {
		data[i] = float32((r.Float64()*2 - 1) * bound)
	}
}
