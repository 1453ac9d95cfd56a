package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Errors reported while assembling a graph
var (
	ErrEmptyGraph   = errors.New("cannot compile empty graph")
	ErrUnknownInput = errors.New("unknown input node")
)

// Node is a handle to a layer that has been added to a GraphBuilder
type Node struct {
	name  string
	shape []int
}

// Name returns the layer name the handle refers to
func (n Node) Name() string {
	return n.name
}

// Shape returns a copy of the inferred output shape
func (n Node) Shape() []int {
	return append([]int(nil), n.shape...)
}

// Valid reports whether the handle refers to an added layer
func (n Node) Valid() bool {
	return n.name != ""
}

// GraphBuilder assembles a directed acyclic graph of LayerSpecs.
//
// Shapes are inferred as layers are added. The first failure is kept and
// returned by Build; layers added after a failure are ignored, so call
// sites can chain construction without checking every step.
type GraphBuilder struct {
	name    string
	format  DataFormat
	factory *LayerFactory

	layers []LayerSpec
	index  map[string]int
	counts map[LayerType]int
	err    error
}

// NewGraphBuilder creates a builder for a graph laid out in format
func NewGraphBuilder(name string, format DataFormat) *GraphBuilder {
	if format == "" {
		format = ChannelsLast
	}
	return &GraphBuilder{
		name:    name,
		format:  format,
		factory: NewFactory(),
		index:   make(map[string]int),
		counts:  make(map[LayerType]int),
	}
}

// Format returns the tensor layout the graph is built for
func (gb *GraphBuilder) Format() DataFormat {
	return gb.format
}

// Err returns the first construction error, if any
func (gb *GraphBuilder) Err() error {
	return gb.err
}

// Len returns the number of layers added so far
func (gb *GraphBuilder) Len() int {
	return len(gb.layers)
}

// Channels returns the channel count of a node's output
func (gb *GraphBuilder) Channels(n Node) int {
	axis, err := resolveAxis(gb.format.ChannelAxis(), len(n.shape))
	if err != nil {
		return 0
	}
	return n.shape[axis]
}

func (gb *GraphBuilder) fail(err error) Node {
	if gb.err == nil {
		gb.err = err
	}
	return Node{}
}

// AddLayer appends a layer fed by inputs and returns its handle
func (gb *GraphBuilder) AddLayer(layer LayerSpec, inputs ...Node) Node {
	if gb.err != nil {
		return Node{}
	}
	if layer.Name == "" {
		layer.Name = gb.autoName(layer.Type)
	}
	if _, dup := gb.index[layer.Name]; dup {
		return gb.fail(errors.Errorf("duplicate layer name %q", layer.Name))
	}
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}

	layer.Inputs = make([]string, len(inputs))
	layer.InputShapes = make([][]int, len(inputs))
	for i, in := range inputs {
		if _, ok := gb.index[in.name]; !ok || !in.Valid() {
			return gb.fail(errors.Wrapf(ErrUnknownInput, "layer %s: input %d %q", layer.Name, i, in.name))
		}
		layer.Inputs[i] = in.name
		layer.InputShapes[i] = in.Shape()
	}

	outputShape, paramShapes, paramCount, err := gb.computeLayerInfo(&layer, layer.InputShapes)
	if err != nil {
		return gb.fail(errors.Wrapf(err, "failed to compute layer %d (%s) info", len(gb.layers), layer.Name))
	}
	layer.OutputShape = outputShape
	layer.ParameterShapes = paramShapes
	layer.ParameterCount = paramCount

	gb.index[layer.Name] = len(gb.layers)
	gb.layers = append(gb.layers, layer)
	gb.counts[layer.Type]++
	return Node{name: layer.Name, shape: append([]int(nil), outputShape...)}
}

func (gb *GraphBuilder) autoName(lt LayerType) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(lt.String()), gb.counts[lt])
}

// Input adds the image input. A batch size <= 0 marks the batch dimension
// as dynamic (-1).
func (gb *GraphBuilder) Input(batch, height, width, depth int, name string) Node {
	if batch <= 0 {
		batch = -1
	}
	if name == "" {
		name = "input"
	}
	shape := gb.format.Shape(batch, height, width, depth)
	return gb.AddLayer(gb.factory.CreateInputSpec(shape, name))
}

// Conv2D adds a 2D convolution
func (gb *GraphBuilder) Conv2D(x Node, cfg Conv2DConfig, name string) Node {
	return gb.AddLayer(gb.factory.CreateConv2DSpec(cfg, name), x)
}

// BatchNorm adds batch normalization over the graph's channel axis
func (gb *GraphBuilder) BatchNorm(x Node, eps, momentum float64, mode TrainingMode, name string) Node {
	return gb.AddLayer(gb.factory.CreateBatchNormSpec(gb.format.ChannelAxis(), eps, momentum, mode, name), x)
}

// ReLU adds a ReLU activation
func (gb *GraphBuilder) ReLU(x Node, name string) Node {
	return gb.AddLayer(gb.factory.CreateReLUSpec(name), x)
}

// Softmax adds a softmax over the last axis
func (gb *GraphBuilder) Softmax(x Node, name string) Node {
	return gb.AddLayer(gb.factory.CreateSoftmaxSpec(-1, name), x)
}

// Add adds an element-wise sum of inputs, which must share one shape
func (gb *GraphBuilder) Add(name string, inputs ...Node) Node {
	return gb.AddLayer(gb.factory.CreateAddSpec(name), inputs...)
}

// MaxPool2D adds square max pooling
func (gb *GraphBuilder) MaxPool2D(x Node, size, stride int, padding Padding, name string) Node {
	return gb.AddLayer(gb.factory.CreatePoolSpec(MaxPool2D, size, size, stride, padding, name), x)
}

// AvgPool2D adds average pooling with a height x width window
func (gb *GraphBuilder) AvgPool2D(x Node, height, width, stride int, padding Padding, name string) Node {
	return gb.AddLayer(gb.factory.CreatePoolSpec(AvgPool2D, height, width, stride, padding, name), x)
}

// GlobalAvgPool2D averages over the full spatial extent, yielding [batch, channels]
func (gb *GraphBuilder) GlobalAvgPool2D(x Node, name string) Node {
	return gb.AddLayer(gb.factory.CreateGlobalAvgPoolSpec(name), x)
}

// Flatten collapses every non-batch dimension
func (gb *GraphBuilder) Flatten(x Node, name string) Node {
	return gb.AddLayer(gb.factory.CreateFlattenSpec(name), x)
}

// Dense adds a fully connected layer
func (gb *GraphBuilder) Dense(x Node, units int, useBias bool, l2 float64, name string) Node {
	return gb.AddLayer(gb.factory.CreateDenseSpec(units, useBias, l2, name), x)
}

// Build compiles the graph. The last added layer is the model output.
func (gb *GraphBuilder) Build() (*ModelSpec, error) {
	if gb.err != nil {
		return nil, gb.err
	}
	if len(gb.layers) == 0 {
		return nil, ErrEmptyGraph
	}

	model := &ModelSpec{
		Name:   gb.name,
		Format: gb.format,
		Layers: make([]LayerSpec, len(gb.layers)),
	}
	copy(model.Layers, gb.layers)

	var allParameterShapes [][]int
	totalParams := int64(0)
	for _, layer := range model.Layers {
		if layer.Type == Input && model.InputShape == nil {
			model.InputShape = append([]int(nil), layer.OutputShape...)
		}
		allParameterShapes = append(allParameterShapes, layer.ParameterShapes...)
		totalParams += layer.ParameterCount
	}

	last := model.Layers[len(model.Layers)-1]
	model.OutputName = last.Name
	model.OutputShape = append([]int(nil), last.OutputShape...)
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	if err := model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (gb *GraphBuilder) computeLayerInfo(layer *LayerSpec, in [][]int) ([]int, [][]int, int64, error) {
	if layer.Type == Input {
		if len(in) != 0 {
			return nil, nil, 0, errors.New("input layer takes no inputs")
		}
		return gb.computeInputInfo(layer)
	}
	if layer.Type == Add {
		return computeAddInfo(in)
	}
	if len(in) != 1 {
		return nil, nil, 0, errors.Errorf("%s expects exactly one input, got %d", layer.Type, len(in))
	}

	switch layer.Type {
	case Conv2D:
		return gb.computeConv2DInfo(layer, in[0])
	case BatchNorm:
		return computeBatchNormInfo(layer, in[0])
	case ReLU, Softmax:
		return computeActivationInfo(in[0])
	case MaxPool2D, AvgPool2D:
		return gb.computePoolInfo(layer, in[0])
	case GlobalAvgPool2D:
		return gb.computeGlobalPoolInfo(in[0])
	case Flatten:
		return computeFlattenInfo(in[0])
	case Dense:
		return computeDenseInfo(layer, in[0])
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func (gb *GraphBuilder) computeInputInfo(layer *LayerSpec) ([]int, [][]int, int64, error) {
	shape, ok := layer.Parameters["shape"].([]int)
	if !ok || len(shape) == 0 {
		return nil, nil, 0, errors.New("input layer requires a shape")
	}
	for i, d := range shape {
		if i > 0 && d <= 0 {
			return nil, nil, 0, errors.Errorf("input dimension %d must be positive, got %v", i, shape)
		}
	}
	return append([]int(nil), shape...), [][]int{}, 0, nil
}

// windowOutput is the spatial size after a kernel/pool window
func windowOutput(in, window, stride int, padding Padding) int {
	if padding == PaddingSame {
		return (in + stride - 1) / stride
	}
	return (in-window)/stride + 1
}

func (gb *GraphBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	h, w, inputChannels, err := gb.format.Dims(inputShape)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "Conv2D layer requires 4D input")
	}

	filters, ok := layer.IntParam("filters")
	if !ok || filters <= 0 {
		return nil, nil, 0, errors.New("missing or invalid filters parameter")
	}
	kernelSize, ok := layer.IntParam("kernel_size")
	if !ok || kernelSize <= 0 {
		return nil, nil, 0, errors.New("missing or invalid kernel_size parameter")
	}
	stride, ok := layer.IntParam("stride")
	if !ok || stride <= 0 {
		stride = 1
	}
	groups, ok := layer.IntParam("groups")
	if !ok || groups <= 0 {
		groups = 1
	}
	padding, _ := layer.StringParam("padding")
	useBias := true
	if bias, exists := layer.BoolParam("use_bias"); exists {
		useBias = bias
	}

	if inputChannels%groups != 0 || filters%groups != 0 {
		return nil, nil, 0, errors.Errorf("channels in=%d out=%d not divisible by %d groups", inputChannels, filters, groups)
	}

	// Record the resolved input channel count for exporters
	layer.Parameters["input_channels"] = inputChannels

	outH := windowOutput(h, kernelSize, stride, Padding(padding))
	outW := windowOutput(w, kernelSize, stride, Padding(padding))
	if outH < 1 || outW < 1 {
		return nil, nil, 0, errors.Errorf("%dx%d kernel collapses %dx%d input", kernelSize, kernelSize, h, w)
	}
	outputShape := gb.format.Shape(inputShape[0], outH, outW, filters)

	// Weight tensor: [filters, inputChannels/groups, kernelSize, kernelSize]
	weightShape := []int{filters, inputChannels / groups, kernelSize, kernelSize}
	paramShapes := [][]int{weightShape}
	paramCount := int64(filters * (inputChannels / groups) * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{filters})
		paramCount += int64(filters)
	}

	return outputShape, paramShapes, paramCount, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("batch norm layer requires at least 2D input")
	}
	axis, ok := layer.IntParam("axis")
	if !ok {
		axis = -1
	}
	resolved, err := resolveAxis(axis, len(inputShape))
	if err != nil {
		return nil, nil, 0, err
	}
	numFeatures := inputShape[resolved]
	layer.Parameters["num_features"] = numFeatures

	affine := true
	if af, exists := layer.BoolParam("affine"); exists {
		affine = af
	}

	outputShape := append([]int(nil), inputShape...)

	var paramShapes [][]int
	var paramCount int64
	if affine {
		// gamma (scale) and beta (shift); running statistics are buffers
		paramShapes = append(paramShapes, []int{numFeatures}, []int{numFeatures})
		paramCount = int64(numFeatures * 2)
	}
	return outputShape, paramShapes, paramCount, nil
}

func computeActivationInfo(inputShape []int) ([]int, [][]int, int64, error) {
	return append([]int(nil), inputShape...), [][]int{}, 0, nil
}

func computeAddInfo(in [][]int) ([]int, [][]int, int64, error) {
	if len(in) < 2 {
		return nil, nil, 0, errors.Errorf("add requires at least 2 inputs, got %d", len(in))
	}
	for i := 1; i < len(in); i++ {
		if !sameShape(in[0], in[i]) {
			return nil, nil, 0, errors.Errorf("add shape mismatch: input 0 %v vs input %d %v", in[0], i, in[i])
		}
	}
	return append([]int(nil), in[0]...), [][]int{}, 0, nil
}

func (gb *GraphBuilder) computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	h, w, c, err := gb.format.Dims(inputShape)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "pooling requires 4D input")
	}
	ph, _ := layer.IntParam("pool_height")
	pw, _ := layer.IntParam("pool_width")
	stride, _ := layer.IntParam("stride")
	padding, _ := layer.StringParam("padding")
	if ph <= 0 || pw <= 0 || stride <= 0 {
		return nil, nil, 0, errors.Errorf("invalid pool window %dx%d stride %d", ph, pw, stride)
	}
	outH := windowOutput(h, ph, stride, Padding(padding))
	outW := windowOutput(w, pw, stride, Padding(padding))
	if outH < 1 || outW < 1 {
		return nil, nil, 0, errors.Errorf("%dx%d pool collapses %dx%d input", ph, pw, h, w)
	}
	return gb.format.Shape(inputShape[0], outH, outW, c), [][]int{}, 0, nil
}

func (gb *GraphBuilder) computeGlobalPoolInfo(inputShape []int) ([]int, [][]int, int64, error) {
	_, _, c, err := gb.format.Dims(inputShape)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "global pooling requires 4D input")
	}
	return []int{inputShape[0], c}, [][]int{}, 0, nil
}

func computeFlattenInfo(inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("flatten requires at least 2D input")
	}
	size := 1
	for _, d := range inputShape[1:] {
		size *= d
	}
	return []int{inputShape[0], size}, [][]int{}, 0, nil
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, errors.Errorf("dense layer requires 2D input, got %v", inputShape)
	}
	units, ok := layer.IntParam("units")
	if !ok || units <= 0 {
		return nil, nil, 0, errors.New("missing or invalid units parameter")
	}
	useBias := true
	if bias, exists := layer.BoolParam("use_bias"); exists {
		useBias = bias
	}

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, units]
	paramShapes := [][]int{{inputSize, units}}
	paramCount := int64(inputSize * units)
	if useBias {
		paramShapes = append(paramShapes, []int{units})
		paramCount += int64(units)
	}
	return []int{inputShape[0], units}, paramShapes, paramCount, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
