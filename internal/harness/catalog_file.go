package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/zoo"
)

// catalogFile is the TOML layout read by LoadCatalogFile:
//
//	[[case]]
//	model = "resnet18"
//	precision = "fp16"
//	shapes = [[1, 3, 224, 224]]
//	max_error = 1e-2
//	[case.options]
//	fp16_mode = true
type catalogFile struct {
	Cases []caseSpec `toml:"case"`
}

type caseSpec struct {
	Name      string         `toml:"name"`
	Model     string         `toml:"model"`
	Precision string         `toml:"precision"`
	Device    string         `toml:"device"`
	Shapes    [][]int64      `toml:"shapes"`
	MaxError  *float64       `toml:"max_error"`
	Options   map[string]any `toml:"options"`
}

// LoadCatalogFile reads a TOML catalog. Omitted fields default to fp32 on
// cpu, a single 1x3x224x224 input and max error 1e-2; the name defaults to
// CaseName. Unknown keys are rejected.
func LoadCatalogFile(path string, lib zoo.Library) (*Catalog, error) {
	var f catalogFile

	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("harness: read catalog %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("harness: catalog %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if len(f.Cases) == 0 {
		return nil, fmt.Errorf("harness: catalog %s defines no cases", path)
	}

	c := NewCatalog()

	for i, spec := range f.Cases {
		tc, err := spec.toCase(lib)
		if err != nil {
			return nil, fmt.Errorf("harness: catalog %s case %d: %w", path, i, err)
		}

		if err := c.Register(tc); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (s caseSpec) toCase(lib zoo.Library) (Case, error) {
	if s.Model == "" {
		return Case{}, errors.New("model is required")
	}

	factory, err := lib.Factory(s.Model)
	if err != nil {
		return Case{}, err
	}

	precision := nn.Float32
	if s.Precision != "" {
		if precision, err = nn.ParsePrecision(s.Precision); err != nil {
			return Case{}, err
		}
	}

	device, err := nn.ParseDevice(s.Device)
	if err != nil {
		return Case{}, err
	}

	shapes := s.Shapes
	if len(shapes) == 0 {
		shapes = [][]int64{{1, 3, 224, 224}}
	}

	maxErr := DefaultMaxError
	if s.MaxError != nil {
		maxErr = *s.MaxError
	}

	name := s.Name
	if name == "" {
		name = CaseName(s.Model, precision, shapes)
	}

	return Case{
		Name:      name,
		Factory:   factory,
		Precision: precision,
		Device:    device,
		Shapes:    shapes,
		MaxError:  maxErr,
		Options:   s.Options,
	}, nil
}
