package checkpoints

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/convnets/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13
	producerName  = "convnets"
	batchParam    = "batch"
)

// ONNX field numbers
const (
	// ModelProto
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDomain          protowire.Number = 4
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	// OperatorSetIdProto
	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	// GraphProto
	graphNode   protowire.Number = 1
	graphName   protowire.Number = 2
	graphInput  protowire.Number = 11
	graphOutput protowire.Number = 12

	// NodeProto
	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	// AttributeProto
	attrName   protowire.Number = 1
	attrFloat  protowire.Number = 2
	attrInt    protowire.Number = 3
	attrString protowire.Number = 4
	attrInts   protowire.Number = 8
	attrType   protowire.Number = 20

	// ValueInfoProto, TypeProto, TypeProto.Tensor, TensorShapeProto
	valueName      protowire.Number = 1
	valueType      protowire.Number = 2
	typeTensorType protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
	dimParam       protowire.Number = 2
)

// ONNX enum values
const (
	tensorDataFloat = 1

	attributeFloat  = 1
	attributeInt    = 2
	attributeString = 3
	attributeInts   = 7
)

// onnxNode is a node before encoding
type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   []onnxAttr
}

type onnxAttr struct {
	name string
	kind int
	i    int64
	f    float32
	s    string
	ints []int64
}

func intAttr(name string, v int64) onnxAttr     { return onnxAttr{name: name, kind: attributeInt, i: v} }
func floatAttr(name string, v float32) onnxAttr { return onnxAttr{name: name, kind: attributeFloat, f: v} }
func stringAttr(name, v string) onnxAttr        { return onnxAttr{name: name, kind: attributeString, s: v} }
func intsAttr(name string, v ...int64) onnxAttr { return onnxAttr{name: name, kind: attributeInts, ints: v} }

type onnxValue struct {
	name  string
	shape []int
}

// ONNXExporter converts a model spec into an ONNX ModelProto. The graph
// describes the architecture only: every learnable tensor is declared as a
// graph input with its shape and no initializer is written. Spatial
// tensors are NCHW inside the graph; channels-last models get transposes at
// the input, before flattening and at a 4D output.
type ONNXExporter struct {
	ProducerVersion string
	DocString       string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{ProducerVersion: Version}
}

// graphState tracks tensor names while the graph is emitted
type graphState struct {
	format  layers.DataFormat
	tensors map[string]string // layer name -> ONNX tensor holding its output
	nodes   []onnxNode
	inputs  []onnxValue
	outputs []onnxValue
}

// Export encodes spec as a serialized ModelProto
func (oe *ONNXExporter) Export(spec *layers.ModelSpec) ([]byte, error) {
	if spec == nil {
		return nil, errors.New("nil model spec")
	}
	if !spec.Compiled {
		return nil, errors.Errorf("model %q is not compiled", spec.Name)
	}

	g := &graphState{format: spec.Format, tensors: make(map[string]string)}
	if g.format == "" {
		g.format = layers.ChannelsLast
	}
	for _, layer := range spec.Layers {
		if err := g.addLayer(layer); err != nil {
			return nil, errors.Wrapf(err, "failed to export layer %s", layer.Name)
		}
	}
	if err := g.addOutput(spec); err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarintField(b, modelIRVersion, onnxIRVersion)
	b = appendStringField(b, modelProducerName, producerName)
	b = appendStringField(b, modelProducerVersion, oe.ProducerVersion)
	b = appendStringField(b, modelDomain, "")
	b = appendVarintField(b, modelVersion, 1)
	if oe.DocString != "" {
		b = appendStringField(b, modelDocString, oe.DocString)
	}
	b = appendMessageField(b, modelGraph, g.encode(spec.Name))

	var opset []byte
	opset = appendStringField(opset, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, onnxOpset)
	b = appendMessageField(b, modelOpsetImport, opset)
	return b, nil
}

// Save exports spec and writes it to path
func (oe *ONNXExporter) Save(spec *layers.ModelSpec, path string) error {
	data, err := oe.Export(spec)
	if err != nil {
		return errors.Wrap(err, "failed to build ONNX model")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

func (g *graphState) input(layer layers.LayerSpec, i int) (string, error) {
	if i >= len(layer.Inputs) {
		return "", errors.Errorf("layer %s has %d inputs, need %d", layer.Name, len(layer.Inputs), i+1)
	}
	t, ok := g.tensors[layer.Inputs[i]]
	if !ok {
		return "", errors.Errorf("input %s of %s was not exported", layer.Inputs[i], layer.Name)
	}
	return t, nil
}

// param declares a learnable tensor as a graph input and returns its name
func (g *graphState) param(layer layers.LayerSpec, suffix string, shape []int) string {
	name := layer.Name + "." + suffix
	g.inputs = append(g.inputs, onnxValue{name: name, shape: shape})
	return name
}

func (g *graphState) emit(n onnxNode) {
	g.nodes = append(g.nodes, n)
}

func autoPad(layer layers.LayerSpec) string {
	if p, _ := layer.StringParam("padding"); layers.Padding(p) == layers.PaddingSame {
		return "SAME_UPPER"
	}
	return "VALID"
}

func (g *graphState) addLayer(layer layers.LayerSpec) error {
	if layer.Type == layers.Input {
		g.inputs = append(g.inputs, onnxValue{name: layer.Name, shape: layer.OutputShape})
		g.tensors[layer.Name] = layer.Name
		if len(layer.OutputShape) == 4 && g.format == layers.ChannelsLast {
			out := layer.Name + "_nchw"
			g.emit(onnxNode{
				name: out, opType: "Transpose",
				inputs: []string{layer.Name}, outputs: []string{out},
				attrs: []onnxAttr{intsAttr("perm", 0, 3, 1, 2)},
			})
			g.tensors[layer.Name] = out
		}
		return nil
	}

	x, err := g.input(layer, 0)
	if err != nil {
		return err
	}
	node := onnxNode{name: layer.Name, inputs: []string{x}, outputs: []string{layer.Name}}

	switch layer.Type {
	case layers.Conv2D:
		kernel, _ := layer.IntParam("kernel_size")
		stride, _ := layer.IntParam("stride")
		groups, ok := layer.IntParam("groups")
		if !ok || groups < 1 {
			groups = 1
		}
		if len(layer.ParameterShapes) == 0 {
			return errors.New("conv layer has no weight shape")
		}
		node.opType = "Conv"
		node.inputs = append(node.inputs, g.param(layer, "weight", layer.ParameterShapes[0]))
		if len(layer.ParameterShapes) > 1 {
			node.inputs = append(node.inputs, g.param(layer, "bias", layer.ParameterShapes[1]))
		}
		node.attrs = []onnxAttr{
			intsAttr("kernel_shape", int64(kernel), int64(kernel)),
			intsAttr("strides", int64(stride), int64(stride)),
			intAttr("group", int64(groups)),
			stringAttr("auto_pad", autoPad(layer)),
		}

	case layers.BatchNorm:
		features, _ := layer.IntParam("num_features")
		eps, _ := layer.FloatParam("eps")
		momentum, _ := layer.FloatParam("momentum")
		stat := []int{features}
		node.opType = "BatchNormalization"
		node.inputs = append(node.inputs,
			g.param(layer, "weight", stat),
			g.param(layer, "bias", stat),
			g.param(layer, "running_mean", stat),
			g.param(layer, "running_var", stat),
		)
		node.attrs = []onnxAttr{
			floatAttr("epsilon", float32(eps)),
			floatAttr("momentum", float32(momentum)),
		}

	case layers.ReLU:
		node.opType = "Relu"

	case layers.Softmax:
		axis, ok := layer.IntParam("axis")
		if !ok {
			axis = -1
		}
		node.opType = "Softmax"
		node.attrs = []onnxAttr{intAttr("axis", int64(axis))}

	case layers.Add:
		node.opType = "Add"
		for i := 1; i < len(layer.Inputs); i++ {
			t, err := g.input(layer, i)
			if err != nil {
				return err
			}
			node.inputs = append(node.inputs, t)
		}

	case layers.MaxPool2D, layers.AvgPool2D:
		ph, _ := layer.IntParam("pool_height")
		pw, _ := layer.IntParam("pool_width")
		stride, _ := layer.IntParam("stride")
		node.opType = "MaxPool"
		if layer.Type == layers.AvgPool2D {
			node.opType = "AveragePool"
		}
		node.attrs = []onnxAttr{
			intsAttr("kernel_shape", int64(ph), int64(pw)),
			intsAttr("strides", int64(stride), int64(stride)),
			stringAttr("auto_pad", autoPad(layer)),
		}

	case layers.GlobalAvgPool2D:
		// GlobalAveragePool keeps 1x1 spatial dims; flatten them away
		pooled := layer.Name + "_pool"
		g.emit(onnxNode{
			name: pooled, opType: "GlobalAveragePool",
			inputs: []string{x}, outputs: []string{pooled},
		})
		node.opType = "Flatten"
		node.inputs = []string{pooled}
		node.attrs = []onnxAttr{intAttr("axis", 1)}

	case layers.Flatten:
		if g.format == layers.ChannelsLast && len(layer.InputShapes) > 0 && len(layer.InputShapes[0]) == 4 {
			// Restore NHWC element order before flattening
			nhwc := layer.Name + "_nhwc"
			g.emit(onnxNode{
				name: nhwc, opType: "Transpose",
				inputs: []string{x}, outputs: []string{nhwc},
				attrs: []onnxAttr{intsAttr("perm", 0, 2, 3, 1)},
			})
			node.inputs = []string{nhwc}
		}
		node.opType = "Flatten"
		node.attrs = []onnxAttr{intAttr("axis", 1)}

	case layers.Dense:
		if len(layer.ParameterShapes) == 0 {
			return errors.New("dense layer has no weight shape")
		}
		// Weight is [in, units], so no transposition is needed
		node.opType = "Gemm"
		node.inputs = append(node.inputs, g.param(layer, "weight", layer.ParameterShapes[0]))
		if len(layer.ParameterShapes) > 1 {
			node.inputs = append(node.inputs, g.param(layer, "bias", layer.ParameterShapes[1]))
		}

	default:
		return errors.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
	}

	g.emit(node)
	g.tensors[layer.Name] = layer.Name
	return nil
}

func (g *graphState) addOutput(spec *layers.ModelSpec) error {
	out, ok := spec.OutputLayer()
	if !ok {
		return errors.Errorf("model %q has no output layer %q", spec.Name, spec.OutputName)
	}
	name := g.tensors[out.Name]
	if len(out.OutputShape) == 4 && g.format == layers.ChannelsLast {
		nhwc := out.Name + "_nhwc"
		g.emit(onnxNode{
			name: nhwc, opType: "Transpose",
			inputs: []string{name}, outputs: []string{nhwc},
			attrs: []onnxAttr{intsAttr("perm", 0, 2, 3, 1)},
		})
		g.outputs = append(g.outputs, onnxValue{name: nhwc, shape: out.OutputShape})
		return nil
	}
	g.outputs = append(g.outputs, onnxValue{name: name, shape: out.OutputShape})
	return nil
}

func (g *graphState) encode(name string) []byte {
	var b []byte
	for _, n := range g.nodes {
		b = appendMessageField(b, graphNode, encodeNode(n))
	}
	b = appendStringField(b, graphName, name)
	for _, v := range g.inputs {
		b = appendMessageField(b, graphInput, encodeValueInfo(v))
	}
	for _, v := range g.outputs {
		b = appendMessageField(b, graphOutput, encodeValueInfo(v))
	}
	return b
}

func encodeNode(n onnxNode) []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendStringField(b, nodeInput, in)
	}
	for _, out := range n.outputs {
		b = appendStringField(b, nodeOutput, out)
	}
	b = appendStringField(b, nodeName, n.name)
	b = appendStringField(b, nodeOpType, n.opType)
	for _, a := range n.attrs {
		b = appendMessageField(b, nodeAttribute, encodeAttr(a))
	}
	return b
}

func encodeAttr(a onnxAttr) []byte {
	var b []byte
	b = appendStringField(b, attrName, a.name)
	switch a.kind {
	case attributeFloat:
		b = protowire.AppendTag(b, attrFloat, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attributeInt:
		b = appendVarintField(b, attrInt, uint64(a.i))
	case attributeString:
		b = protowire.AppendTag(b, attrString, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(a.s))
	case attributeInts:
		for _, v := range a.ints {
			b = appendVarintField(b, attrInts, uint64(v))
		}
	}
	return appendVarintField(b, attrType, uint64(a.kind))
}

func encodeValueInfo(v onnxValue) []byte {
	var shape []byte
	for _, d := range v.shape {
		var dim []byte
		if d < 0 {
			dim = appendStringField(dim, dimParam, batchParam)
		} else {
			dim = appendVarintField(dim, dimValue, uint64(d))
		}
		shape = appendMessageField(shape, shapeDim, dim)
	}

	var tensor []byte
	tensor = appendVarintField(tensor, tensorElemType, tensorDataFloat)
	tensor = appendMessageField(tensor, tensorShape, shape)

	var typ []byte
	typ = appendMessageField(typ, typeTensorType, tensor)

	var b []byte
	b = appendStringField(b, valueName, v.name)
	return appendMessageField(b, valueType, typ)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// GraphInfo is the structural view of an ONNX model read back from disk
type GraphInfo struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	OpsetVersion    int64
	DocString       string

	Name    string
	Nodes   []NodeInfo
	Inputs  []ValueInfo
	Outputs []ValueInfo
}

// NodeInfo describes one ONNX node
type NodeInfo struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes map[string]AttributeValue
}

// AttributeValue holds the decoded value of a node attribute
type AttributeValue struct {
	Int    int64
	Float  float32
	String string
	Ints   []int64
}

// ValueInfo is a named tensor with its shape. Symbolic dims are -1.
type ValueInfo struct {
	Name  string
	Shape []int
}

// OpCounts counts nodes per operator type
func (gi *GraphInfo) OpCounts() map[string]int {
	counts := make(map[string]int)
	for _, n := range gi.Nodes {
		counts[n.OpType]++
	}
	return counts
}

// Node finds a node by name
func (gi *GraphInfo) Node(name string) (NodeInfo, bool) {
	for _, n := range gi.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeInfo{}, false
}

// Input finds a graph input by name
func (gi *GraphInfo) Input(name string) (ValueInfo, bool) {
	for _, v := range gi.Inputs {
		if v.Name == name {
			return v, true
		}
	}
	return ValueInfo{}, false
}

// ONNXImporter reads the graph structure of ONNX files
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ReadFile reads and decodes an ONNX file
func (oi *ONNXImporter) ReadFile(path string) (*GraphInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return oi.ReadGraph(data)
}

// ReadGraph decodes a serialized ModelProto. Weights are skipped.
func (oi *ONNXImporter) ReadGraph(data []byte) (*GraphInfo, error) {
	info := &GraphInfo{}
	sawGraph := false
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			info.IRVersion = int64(x)
		case num == modelProducerName && typ == protowire.BytesType:
			info.ProducerName = string(v)
		case num == modelProducerVersion && typ == protowire.BytesType:
			info.ProducerVersion = string(v)
		case num == modelDocString && typ == protowire.BytesType:
			info.DocString = string(v)
		case num == modelGraph && typ == protowire.BytesType:
			sawGraph = true
			return decodeGraph(v, info)
		case num == modelOpsetImport && typ == protowire.BytesType:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
				if num == opsetVersion && typ == protowire.VarintType {
					info.OpsetVersion = int64(x)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ONNX model")
	}
	if !sawGraph {
		return nil, errors.New("ONNX model has no graph")
	}
	return info, nil
}

func decodeGraph(data []byte, info *GraphInfo) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case graphName:
			info.Name = string(v)
		case graphNode:
			n, err := decodeNode(v)
			if err != nil {
				return errors.Wrap(err, "node")
			}
			info.Nodes = append(info.Nodes, n)
		case graphInput, graphOutput:
			vi, err := decodeValueInfo(v)
			if err != nil {
				return errors.Wrap(err, "value info")
			}
			if num == graphInput {
				info.Inputs = append(info.Inputs, vi)
			} else {
				info.Outputs = append(info.Outputs, vi)
			}
		}
		return nil
	})
}

func decodeNode(data []byte) (NodeInfo, error) {
	n := NodeInfo{Attributes: make(map[string]AttributeValue)}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case nodeInput:
			n.Inputs = append(n.Inputs, string(v))
		case nodeOutput:
			n.Outputs = append(n.Outputs, string(v))
		case nodeName:
			n.Name = string(v)
		case nodeOpType:
			n.OpType = string(v)
		case nodeAttribute:
			name, value, err := decodeAttr(v)
			if err != nil {
				return err
			}
			n.Attributes[name] = value
		}
		return nil
	})
	return n, err
}

func decodeAttr(data []byte) (string, AttributeValue, error) {
	var name string
	var a AttributeValue
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == attrName && typ == protowire.BytesType:
			name = string(v)
		case num == attrFloat && typ == protowire.Fixed32Type:
			a.Float = math.Float32frombits(uint32(x))
		case num == attrInt && typ == protowire.VarintType:
			a.Int = int64(x)
		case num == attrString && typ == protowire.BytesType:
			a.String = string(v)
		case num == attrInts && typ == protowire.VarintType:
			a.Ints = append(a.Ints, int64(x))
		case num == attrInts && typ == protowire.BytesType:
			// packed encoding
			for len(v) > 0 {
				val, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				a.Ints = append(a.Ints, int64(val))
				v = v[n:]
			}
		}
		return nil
	})
	return name, a, err
}

func decodeValueInfo(data []byte) (ValueInfo, error) {
	var vi ValueInfo
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case valueName:
			vi.Name = string(v)
		case valueType:
			return walkMessage(v, typeTensorType, func(tensor []byte) error {
				return walkMessage(tensor, tensorShape, func(shape []byte) error {
					return walkMessage(shape, shapeDim, func(dim []byte) error {
						d := -1
						err := walkFields(dim, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
							if num == dimValue && typ == protowire.VarintType {
								d = int(x)
							}
							return nil
						})
						vi.Shape = append(vi.Shape, d)
						return err
					})
				})
			})
		}
		return nil
	})
	return vi, err
}

// walkMessage calls fn for every embedded message stored under num
func walkMessage(data []byte, num protowire.Number, fn func([]byte) error) error {
	return walkFields(data, func(n protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if n == num && typ == protowire.BytesType {
			return fn(v)
		}
		return nil
	})
}

// walkFields iterates over the top-level fields of a message. Bytes
// fields are passed in v, varint and fixed fields in x. Groups are
// skipped.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			x = uint64(f)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
