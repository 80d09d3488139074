package harness

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/zoo"
)

// DefaultMaxError is the tolerance of the built-in fp16 cases.
const DefaultMaxError = 1e-2

// Catalog is an ordered table of uniquely named cases. Registration order is
// report order.
type Catalog struct {
	order []string
	cases map[string]Case
}

func NewCatalog() *Catalog {
	return &Catalog{cases: map[string]Case{}}
}

// Register adds tc. Shapes and Options are copied so later changes by the
// caller do not leak into the catalog.
func (c *Catalog) Register(tc Case) error {
	if tc.Name == "" {
		return errors.New("harness: case name is empty")
	}

	if tc.Factory == nil {
		return fmt.Errorf("harness: case %s has no factory", tc.Name)
	}

	if _, dup := c.cases[tc.Name]; dup {
		return fmt.Errorf("harness: duplicate case %q", tc.Name)
	}

	shapes := make([][]int64, len(tc.Shapes))
	for i, s := range tc.Shapes {
		shapes[i] = slices.Clone(s)
	}

	tc.Shapes = shapes
	tc.Options = maps.Clone(tc.Options)

	c.order = append(c.order, tc.Name)
	c.cases[tc.Name] = tc

	return nil
}

func (c *Catalog) Len() int { return len(c.order) }

// Names returns case names in registration order.
func (c *Catalog) Names() []string { return slices.Clone(c.order) }

func (c *Catalog) Get(name string) (Case, bool) {
	tc, ok := c.cases[name]
	return tc, ok
}

// Cases returns every case in registration order.
func (c *Catalog) Cases() []Case {
	out := make([]Case, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.cases[name])
	}

	return out
}

// Filter returns a catalog holding only the named cases, still in
// registration order. An empty names list returns c itself.
func (c *Catalog) Filter(names []string) (*Catalog, error) {
	if len(names) == 0 {
		return c, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := c.cases[n]; !ok {
			return nil, fmt.Errorf("harness: unknown case %q", n)
		}

		want[n] = true
	}

	out := NewCatalog()

	for _, tc := range c.Cases() {
		if want[tc.Name] {
			if err := out.Register(tc); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// CaseName derives the conventional case name, e.g. resnet18_fp16_3x224x224.
// The batch dimension of the first shape is omitted.
func CaseName(model string, p nn.Precision, shapes [][]int64) string {
	var dims []string

	if len(shapes) > 0 && len(shapes[0]) > 1 {
		for _, d := range shapes[0][1:] {
			dims = append(dims, fmt.Sprint(d))
		}
	}

	return fmt.Sprintf("%s_%s_%s", model, precisionTag(p), strings.Join(dims, "x"))
}

func precisionTag(p nn.Precision) string {
	if p == nn.Float16 {
		return "fp16"
	}

	return "fp32"
}

// defaultArchitectures is the built-in catalog order.
var defaultArchitectures = []string{
	"alexnet",
	"squeezenet1_0",
	"squeezenet1_1",
	"resnet18",
	"resnet34",
	"resnet50",
	"resnet101",
	"resnet152",
	"densenet121",
	"densenet169",
	"densenet201",
	"densenet161",
	"vgg11",
	"vgg13",
	"vgg16",
	"vgg19",
	"vgg11_bn",
	"vgg13_bn",
	"vgg16_bn",
	"vgg19_bn",
}

// DefaultCatalog registers one fp16 case per architecture with a single
// 1x3x224x224 input and max error 1e-2.
func DefaultCatalog(lib zoo.Library) (*Catalog, error) {
	c := NewCatalog()
	shapes := [][]int64{{1, 3, 224, 224}}

	for _, arch := range defaultArchitectures {
		f, err := lib.Factory(arch)
		if err != nil {
			return nil, err
		}

		err = c.Register(Case{
			Name:      CaseName(arch, nn.Float16, shapes),
			Factory:   f,
			Precision: nn.Float16,
			Device:    nn.CPU,
			Shapes:    shapes,
			MaxError:  DefaultMaxError,
			Options:   map[string]any{"fp16_mode": true},
		})
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}
