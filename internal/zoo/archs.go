package zoo

import (
	"fmt"

	"github.com/example/convbench/internal/nn"
	"github.com/example/convbench/internal/runtime/ops"
)

const numClasses = 1000

func maxPool(k, s, p int64, ceil bool) *nn.MaxPool2d {
	return &nn.MaxPool2d{PoolParams: ops.PoolParams{Kernel: k, Stride: s, Padding: p, CeilMode: ceil}}
}

func classifierTail(root *nn.Sequential, avgH, avgW int64, classifier nn.Layer) {
	root.Add("avgpool", &nn.AdaptiveAvgPool2d{H: avgH, W: avgW})
	root.Add("flatten", nn.Flatten{Start: 1})
	root.Add("classifier", classifier)
}

func alexnet() *nn.Model {
	features := nn.Seq(
		nn.NewConv2d(3, 64, 11, 4, 2, true), nn.ReLU{}, maxPool(3, 2, 0, false),
		nn.NewConv2d(64, 192, 5, 1, 2, true), nn.ReLU{}, maxPool(3, 2, 0, false),
		nn.NewConv2d(192, 384, 3, 1, 1, true), nn.ReLU{},
		nn.NewConv2d(384, 256, 3, 1, 1, true), nn.ReLU{},
		nn.NewConv2d(256, 256, 3, 1, 1, true), nn.ReLU{}, maxPool(3, 2, 0, false),
	)

	classifier := nn.Seq(
		nn.Dropout{P: 0.5}, nn.NewLinear(256*6*6, 4096), nn.ReLU{},
		nn.Dropout{P: 0.5}, nn.NewLinear(4096, 4096), nn.ReLU{},
		nn.NewLinear(4096, numClasses),
	)

	root := (&nn.Sequential{}).Add("features", features)
	classifierTail(root, 6, 6, classifier)

	m := nn.NewModel("alexnet", root)
	initialize(m, convTorchDefault, linearTorchDefault)

	return m
}

func fire(in, squeeze, e1, e3 int64) *nn.Sequential {
	expand := &nn.Branches{Arms: []nn.Named{
		{Layer: (&nn.Sequential{}).
			Add("expand1x1", nn.NewConv2d(squeeze, e1, 1, 1, 0, true)).
			Add("expand1x1_activation", nn.ReLU{})},
		{Layer: (&nn.Sequential{}).
			Add("expand3x3", nn.NewConv2d(squeeze, e3, 3, 1, 1, true)).
			Add("expand3x3_activation", nn.ReLU{})},
	}}

	return (&nn.Sequential{}).
		Add("squeeze", nn.NewConv2d(in, squeeze, 1, 1, 0, true)).
		Add("squeeze_activation", nn.ReLU{}).
		Add("", expand)
}

func squeezenet(name string) *nn.Model {
	var features *nn.Sequential

	switch name {
	case "squeezenet1_0":
		features = nn.Seq(
			nn.NewConv2d(3, 96, 7, 2, 0, true), nn.ReLU{}, maxPool(3, 2, 0, true),
			fire(96, 16, 64, 64), fire(128, 16, 64, 64), fire(128, 32, 128, 128),
			maxPool(3, 2, 0, true),
			fire(256, 32, 128, 128), fire(256, 48, 192, 192), fire(384, 48, 192, 192), fire(384, 64, 256, 256),
			maxPool(3, 2, 0, true),
			fire(512, 64, 256, 256),
		)
	default:
		features = nn.Seq(
			nn.NewConv2d(3, 64, 3, 2, 0, true), nn.ReLU{}, maxPool(3, 2, 0, true),
			fire(64, 16, 64, 64), fire(128, 16, 64, 64),
			maxPool(3, 2, 0, true),
			fire(128, 32, 128, 128), fire(256, 32, 128, 128),
			maxPool(3, 2, 0, true),
			fire(256, 48, 192, 192), fire(384, 48, 192, 192), fire(384, 64, 256, 256), fire(512, 64, 256, 256),
		)
	}

	finalConv := nn.NewConv2d(512, numClasses, 1, 1, 0, true)
	classifier := nn.Seq(nn.Dropout{P: 0.5}, finalConv, nn.ReLU{}, &nn.AdaptiveAvgPool2d{H: 1, W: 1})

	root := (&nn.Sequential{}).Add("features", features).Add("classifier", classifier)
	root.Add("flatten", nn.Flatten{Start: 1})

	m := nn.NewModel(name, root)
	initialize(m, convKaimingUniform, linearTorchDefault)
	fillNormal(newRand(name+"/final_conv"), finalConv.Weight.RawData(), 0.01)

	return m
}

type blockKind int

const (
	basicBlock blockKind = iota
	bottleneck
)

func (k blockKind) expansion() int64 {
	if k == bottleneck {
		return 4
	}

	return 1
}

func resBlock(kind blockKind, in, planes, stride int64) *nn.Residual {
	out := planes * kind.expansion()
	body := &nn.Sequential{}

	switch kind {
	case basicBlock:
		body.Add("conv1", nn.NewConv2d(in, planes, 3, stride, 1, false)).
			Add("bn1", nn.NewBatchNorm2d(planes)).
			Add("relu", nn.ReLU{}).
			Add("conv2", nn.NewConv2d(planes, planes, 3, 1, 1, false)).
			Add("bn2", nn.NewBatchNorm2d(planes))
	case bottleneck:
		body.Add("conv1", nn.NewConv2d(in, planes, 1, 1, 0, false)).
			Add("bn1", nn.NewBatchNorm2d(planes)).
			Add("relu1", nn.ReLU{}).
			Add("conv2", nn.NewConv2d(planes, planes, 3, stride, 1, false)).
			Add("bn2", nn.NewBatchNorm2d(planes)).
			Add("relu2", nn.ReLU{}).
			Add("conv3", nn.NewConv2d(planes, out, 1, 1, 0, false)).
			Add("bn3", nn.NewBatchNorm2d(out))
	}

	r := &nn.Residual{Body: body}
	if stride != 1 || in != out {
		r.Shortcut = nn.Seq(nn.NewConv2d(in, out, 1, stride, 0, false), nn.NewBatchNorm2d(out))
	}

	return r
}

func resnet(name string, kind blockKind, layers [4]int) *nn.Model {
	root := (&nn.Sequential{}).
		Add("conv1", nn.NewConv2d(3, 64, 7, 2, 3, false)).
		Add("bn1", nn.NewBatchNorm2d(64)).
		Add("relu", nn.ReLU{}).
		Add("maxpool", maxPool(3, 2, 1, false))

	in := int64(64)

	for i, blocks := range layers {
		planes := int64(64) << i

		stride := int64(2)
		if i == 0 {
			stride = 1
		}

		stage := &nn.Sequential{}
		for b := range blocks {
			s := int64(1)
			if b == 0 {
				s = stride
			}

			stage.Add(fmt.Sprint(b), resBlock(kind, in, planes, s))
			in = planes * kind.expansion()
		}

		root.Add(fmt.Sprintf("layer%d", i+1), stage)
	}

	root.Add("avgpool", &nn.AdaptiveAvgPool2d{H: 1, W: 1}).
		Add("flatten", nn.Flatten{Start: 1}).
		Add("fc", nn.NewLinear(in, numClasses))

	m := nn.NewModel(name, root)
	initialize(m, convKaimingNormalFanOut, linearTorchDefault)

	return m
}

const denseBNSize = 4

func denseLayer(in, growth int64) *nn.Sequential {
	inner := int64(denseBNSize) * growth

	return (&nn.Sequential{}).
		Add("norm1", nn.NewBatchNorm2d(in)).
		Add("relu1", nn.ReLU{}).
		Add("conv1", nn.NewConv2d(in, inner, 1, 1, 0, false)).
		Add("norm2", nn.NewBatchNorm2d(inner)).
		Add("relu2", nn.ReLU{}).
		Add("conv2", nn.NewConv2d(inner, growth, 3, 1, 1, false))
}

func densenet(name string, growth int64, blocks [4]int, initFeatures int64) *nn.Model {
	features := (&nn.Sequential{}).
		Add("conv0", nn.NewConv2d(3, initFeatures, 7, 2, 3, false)).
		Add("norm0", nn.NewBatchNorm2d(initFeatures)).
		Add("relu0", nn.ReLU{}).
		Add("pool0", maxPool(3, 2, 1, false))

	ch := initFeatures

	for i, n := range blocks {
		block := &nn.DenseBlock{}
		for j := range n {
			block.Layers = append(block.Layers, nn.Named{
				Name:  fmt.Sprintf("denselayer%d", j+1),
				Layer: denseLayer(ch+int64(j)*growth, growth),
			})
		}

		features.Add(fmt.Sprintf("denseblock%d", i+1), block)
		ch += int64(n) * growth

		if i != len(blocks)-1 {
			features.Add(fmt.Sprintf("transition%d", i+1), (&nn.Sequential{}).
				Add("norm", nn.NewBatchNorm2d(ch)).
				Add("relu", nn.ReLU{}).
				Add("conv", nn.NewConv2d(ch, ch/2, 1, 1, 0, false)).
				Add("pool", &nn.AvgPool2d{PoolParams: ops.PoolParams{Kernel: 2, Stride: 2}}))
			ch /= 2
		}
	}

	features.Add("norm5", nn.NewBatchNorm2d(ch))

	root := (&nn.Sequential{}).
		Add("features", features).
		Add("relu", nn.ReLU{}).
		Add("avgpool", &nn.AdaptiveAvgPool2d{H: 1, W: 1}).
		Add("flatten", nn.Flatten{Start: 1}).
		Add("classifier", nn.NewLinear(ch, numClasses))

	m := nn.NewModel(name, root)
	initialize(m, convKaimingNormalFanIn, linearZeroBias)

	return m
}

// vggConfigs lists output channels per conv; 0 is a 2x2 max pool.
var vggConfigs = map[string][]int64{
	"A": {64, 0, 128, 0, 256, 256, 0, 512, 512, 0, 512, 512, 0},
	"B": {64, 64, 0, 128, 128, 0, 256, 256, 0, 512, 512, 0, 512, 512, 0},
	"D": {64, 64, 0, 128, 128, 0, 256, 256, 256, 0, 512, 512, 512, 0, 512, 512, 512, 0},
	"E": {64, 64, 0, 128, 128, 0, 256, 256, 256, 256, 0, 512, 512, 512, 512, 0, 512, 512, 512, 512, 0},
}

func vgg(name, cfg string, batchNorm bool) *nn.Model {
	var layers []nn.Layer

	in := int64(3)

	for _, v := range vggConfigs[cfg] {
		if v == 0 {
			layers = append(layers, maxPool(2, 2, 0, false))
			continue
		}

		layers = append(layers, nn.NewConv2d(in, v, 3, 1, 1, true))
		if batchNorm {
			layers = append(layers, nn.NewBatchNorm2d(v))
		}

		layers = append(layers, nn.ReLU{})
		in = v
	}

	classifier := nn.Seq(
		nn.NewLinear(512*7*7, 4096), nn.ReLU{}, nn.Dropout{P: 0.5},
		nn.NewLinear(4096, 4096), nn.ReLU{}, nn.Dropout{P: 0.5},
		nn.NewLinear(4096, numClasses),
	)

	root := (&nn.Sequential{}).Add("features", nn.Seq(layers...))
	classifierTail(root, 7, 7, classifier)

	m := nn.NewModel(name, root)
	initialize(m, convKaimingNormalFanOut, linearNormal)

	return m
}
