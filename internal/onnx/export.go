package onnx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/runtime/tensor"
)

// ErrUnsupportedOp is returned when a layer has no ONNX lowering.
var ErrUnsupportedOp = errors.New("onnx: unsupported layer")

const (
	defaultOpset = 17
	irVersion    = 8
	inputName    = "input"
)

type ExportOptions struct {
	GraphName string
	Opset     int64
	// RoundFloat16 rounds every initializer to binary16 precision. The graph
	// itself stays float32.
	RoundFloat16 bool
	// DynamicBatch declares the leading input and output dimension symbolic.
	DynamicBatch bool
}

// Exported is a serialized ModelProto plus the I/O description of its graph.
type Exported struct {
	Model   []byte
	Session Session
	// OpCounts counts emitted nodes per ONNX op type.
	OpCounts map[string]int
}

// Export traces m on example and lowers every layer to ONNX nodes. Tracing
// runs the eager layers once so data-dependent attributes such as adaptive
// pooling windows are resolved against real shapes.
func Export(m *nn.Model, example *tensor.Tensor, opts ExportOptions) (*Exported, error) {
	if m == nil || example == nil {
		return nil, errors.New("onnx: export requires a model and an example input")
	}

	if opts.GraphName == "" {
		opts.GraphName = m.Name
	}

	if opts.Opset == 0 {
		opts.Opset = defaultOpset
	}

	g := &graphBuilder{round: opts.RoundFloat16, ops: map[string]int{}}

	root, y, err := g.emit(m.Root, inputName, example)
	if err != nil {
		return nil, fmt.Errorf("onnx: export %s: %w", m.Name, err)
	}

	outs := []string{root}
	shapes := [][]int64{y.Shape()}

	for _, h := range m.Heads {
		name, hy, err := g.emit(h.Layer, root, y)
		if err != nil {
			return nil, fmt.Errorf("onnx: export %s head %s: %w", m.Name, h.Name, err)
		}

		outs = append(outs, name)
		shapes = append(shapes, hy.Shape())
	}

	session := Session{
		Name:   opts.GraphName,
		Inputs: []NodeInfo{{Name: inputName, DType: "float32", Shape: batchShape(example.Shape(), opts.DynamicBatch)}},
	}

	for i, src := range outs {
		name := fmt.Sprintf("output%d", i)
		g.nodes = append(g.nodes, nodeProto(name, "Identity", []string{src}, []string{name}, nil))
		session.Outputs = append(session.Outputs, NodeInfo{Name: name, DType: "float32", Shape: batchShape(shapes[i], opts.DynamicBatch)})
	}

	return &Exported{
		Model:    g.model(session, opts),
		Session:  session,
		OpCounts: g.ops,
	}, nil
}

// WriteFile writes the model to dir/<graph name>.onnx and returns the
// session pointing at it.
func (e *Exported) WriteFile(dir string) (Session, error) {
	path := filepath.Join(dir, sanitizeFileName(e.Session.Name)+".onnx")
	if err := os.WriteFile(path, e.Model, 0o644); err != nil {
		return Session{}, fmt.Errorf("onnx: write %s: %w", path, err)
	}

	s := e.Session
	s.Path = path

	return s, nil
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}

func batchShape(shape []int64, dynamic bool) []int64 {
	out := append([]int64(nil), shape...)
	if dynamic && len(out) > 0 {
		out[0] = -1
	}

	return out
}

type graphBuilder struct {
	nodes [][]byte
	inits [][]byte
	seq   int
	round bool
	ops   map[string]int
}

func (g *graphBuilder) fresh(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *graphBuilder) node(op string, inputs []string, attrs ...[]byte) string {
	out := g.fresh(strings.ToLower(op))
	g.nodes = append(g.nodes, nodeProto(out, op, inputs, []string{out}, attrs))
	g.ops[op]++

	return out
}

func (g *graphBuilder) weight(t *tensor.Tensor) string {
	if g.round {
		t = tensor.RoundFloat16(t)
	}

	name := g.fresh("w")
	g.inits = append(g.inits, floatTensorProto(name, t.Shape(), t.RawData()))

	return name
}

func (g *graphBuilder) emit(l nn.Layer, in string, x *tensor.Tensor) (string, *tensor.Tensor, error) {
	switch l := l.(type) {
	case *nn.Sequential:
		for _, c := range l.Children() {
			var err error

			in, x, err = g.emit(c.Layer, in, x)
			if err != nil {
				return "", nil, err
			}
		}

		return in, x, nil
	case *nn.Residual:
		body, y, err := g.emit(l.Body, in, x)
		if err != nil {
			return "", nil, err
		}

		shortcut := in
		if l.Shortcut != nil {
			if shortcut, _, err = g.emit(l.Shortcut, in, x); err != nil {
				return "", nil, err
			}
		}

		sum := g.node("Add", []string{body, shortcut})

		return g.node("Relu", []string{sum}), y, nil
	case *nn.Branches:
		names := make([]string, 0, len(l.Arms))
		outs := make([]*tensor.Tensor, 0, len(l.Arms))

		for _, arm := range l.Arms {
			name, y, err := g.emit(arm.Layer, in, x)
			if err != nil {
				return "", nil, err
			}

			names = append(names, name)
			outs = append(outs, y)
		}

		y, err := tensor.Concat(outs, 1)
		if err != nil {
			return "", nil, err
		}

		return g.node("Concat", names, intAttr("axis", 1)), y, nil
	case *nn.DenseBlock:
		names := []string{in}
		feats := []*tensor.Tensor{x}

		for _, layer := range l.Layers {
			joined, err := tensor.Concat(feats, 1)
			if err != nil {
				return "", nil, err
			}

			src := names[0]
			if len(names) > 1 {
				src = g.node("Concat", names, intAttr("axis", 1))
			}

			name, y, err := g.emit(layer.Layer, src, joined)
			if err != nil {
				return "", nil, err
			}

			names = append(names, name)
			feats = append(feats, y)
		}

		y, err := tensor.Concat(feats, 1)
		if err != nil {
			return "", nil, err
		}

		return g.node("Concat", names, intAttr("axis", 1)), y, nil
	case nn.Dropout:
		return in, x, nil
	}

	y, err := l.Apply(x)
	if err != nil {
		return "", nil, err
	}

	name, err := g.leaf(l, in, x, y)

	return name, y, err
}

func (g *graphBuilder) leaf(l nn.Layer, in string, x, y *tensor.Tensor) (string, error) {
	switch l := l.(type) {
	case *nn.Conv2d:
		p := l.Params()
		dil := max(p.Dilation, 1)
		inputs := []string{in, g.weight(l.Weight)}

		if l.Bias != nil {
			inputs = append(inputs, g.weight(l.Bias))
		}

		return g.node("Conv", inputs,
			intsAttr("kernel_shape", l.Weight.Dim(2), l.Weight.Dim(3)),
			intsAttr("strides", max(p.Stride, 1), max(p.Stride, 1)),
			intsAttr("pads", p.Padding, p.Padding, p.Padding, p.Padding),
			intsAttr("dilations", dil, dil),
			intAttr("group", max(p.Groups, 1)),
		), nil
	case *nn.BatchNorm2d:
		return g.node("BatchNormalization",
			[]string{in, g.weight(l.Weight), g.weight(l.Bias), g.weight(l.RunningMean), g.weight(l.RunningVar)},
			floatAttr("epsilon", l.Eps),
		), nil
	case nn.ReLU:
		return g.node("Relu", []string{in}), nil
	case *nn.MaxPool2d:
		return g.node("MaxPool", []string{in}, poolAttrs(l.Kernel, l.Stride, l.Padding, l.CeilMode)...), nil
	case *nn.AvgPool2d:
		attrs := append(poolAttrs(l.Kernel, l.Stride, l.Padding, l.CeilMode), intAttr("count_include_pad", 1))
		return g.node("AveragePool", []string{in}, attrs...), nil
	case *nn.AdaptiveAvgPool2d:
		h, w := x.Dim(2), x.Dim(3)

		switch {
		case l.H == 1 && l.W == 1:
			return g.node("GlobalAveragePool", []string{in}), nil
		case h%l.H == 0 && w%l.W == 0:
			kh, kw := h/l.H, w/l.W
			return g.node("AveragePool", []string{in},
				intsAttr("kernel_shape", kh, kw),
				intsAttr("strides", kh, kw),
			), nil
		default:
			return "", fmt.Errorf("%w: adaptive avg pool %dx%d -> %dx%d has uneven windows", ErrUnsupportedOp, h, w, l.H, l.W)
		}
	case nn.Flatten:
		if y.Rank() == 2 {
			return g.node("Flatten", []string{in}, intAttr("axis", 1)), nil
		}

		shape := g.fresh("shape")
		g.inits = append(g.inits, int64TensorProto(shape, y.Shape()))

		return g.node("Reshape", []string{in, shape}), nil
	case *nn.Linear:
		if x.Rank() != 2 {
			return "", fmt.Errorf("%w: linear on rank-%d input", ErrUnsupportedOp, x.Rank())
		}

		inputs := []string{in, g.weight(l.Weight)}
		if l.Bias != nil {
			inputs = append(inputs, g.weight(l.Bias))
		}

		return g.node("Gemm", inputs, intAttr("transB", 1)), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedOp, l)
	}
}

func poolAttrs(kernel, stride, padding int64, ceil bool) [][]byte {
	if stride == 0 {
		stride = kernel
	}

	var ceilMode int64
	if ceil {
		ceilMode = 1
	}

	return [][]byte{
		intsAttr("kernel_shape", kernel, kernel),
		intsAttr("strides", stride, stride),
		intsAttr("pads", padding, padding, padding, padding),
		intAttr("ceil_mode", ceilMode),
	}
}

func (g *graphBuilder) model(s Session, opts ExportOptions) []byte {
	var graph []byte
	for _, n := range g.nodes {
		graph = appendBytesField(graph, graphNode, n)
	}

	graph = appendStringField(graph, graphName, s.Name)

	for _, t := range g.inits {
		graph = appendBytesField(graph, graphInitializer, t)
	}

	for _, in := range s.Inputs {
		graph = appendBytesField(graph, graphInput, valueInfoProto(in.Name, in.Shape))
	}

	for _, out := range s.Outputs {
		graph = appendBytesField(graph, graphOutput, valueInfoProto(out.Name, out.Shape))
	}

	var opset []byte
	opset = appendStringField(opset, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, opts.Opset)

	var m []byte
	m = appendVarintField(m, modelIRVersion, irVersion)
	m = appendStringField(m, modelProducerName, "convbench")
	m = appendBytesField(m, modelGraph, graph)

	return appendBytesField(m, modelOpsetImport, opset)
}
