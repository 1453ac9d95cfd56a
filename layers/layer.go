package layers

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of a node in the computation graph
type LayerType int

const (
	Input LayerType = iota
	Conv2D
	BatchNorm
	ReLU
	Softmax
	Add
	MaxPool2D
	AvgPool2D
	GlobalAvgPool2D
	Flatten
	Dense
)

var layerTypeNames = []string{
	"Input",
	"Conv2D",
	"BatchNorm",
	"ReLU",
	"Softmax",
	"Add",
	"MaxPool2D",
	"AvgPool2D",
	"GlobalAvgPool2D",
	"Flatten",
	"Dense",
}

func (lt LayerType) String() string {
	if lt < 0 || int(lt) >= len(layerTypeNames) {
		return "Unknown"
	}
	return layerTypeNames[lt]
}

// ParseLayerType is the inverse of LayerType.String
func ParseLayerType(s string) (LayerType, error) {
	for i, name := range layerTypeNames {
		if name == s {
			return LayerType(i), nil
		}
	}
	return 0, errors.Errorf("unknown layer type %q", s)
}

// MarshalJSON writes the layer type by name so saved graphs stay readable
func (lt LayerType) MarshalJSON() ([]byte, error) {
	return json.Marshal(lt.String())
}

// UnmarshalJSON reads a layer type written by MarshalJSON
func (lt *LayerType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLayerType(s)
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}

// Padding selects how convolution and pooling windows treat the border
type Padding string

const (
	PaddingSame  Padding = "same"
	PaddingValid Padding = "valid"
)

// TrainingMode controls which statistics a BatchNorm layer uses.
// ModeAuto leaves the decision to the runtime's global learning phase.
type TrainingMode int

const (
	ModeAuto TrainingMode = iota
	ModeTraining
	ModeInference
)

func (m TrainingMode) String() string {
	switch m {
	case ModeTraining:
		return "training"
	case ModeInference:
		return "inference"
	default:
		return "auto"
	}
}

// ParseTrainingMode accepts "auto" (or empty), "training" and "inference"
func ParseTrainingMode(s string) (TrainingMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "training", "train":
		return ModeTraining, nil
	case "inference", "eval":
		return ModeInference, nil
	}
	return ModeAuto, errors.Errorf("unknown training mode %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (m TrainingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *TrainingMode) UnmarshalText(text []byte) error {
	parsed, err := ParseTrainingMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// LayerSpec defines a single graph node.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Names of the nodes feeding this one, in argument order
	Inputs []string `json:"inputs,omitempty"`

	// Shape information (computed when the node is added to a graph)
	InputShapes [][]int `json:"input_shapes,omitempty"`
	OutputShape []int   `json:"output_shape,omitempty"`

	// Parameter metadata (computed when the node is added to a graph)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// IntParam returns an integer parameter. Values decoded from JSON arrive as
// float64 and are converted back.
func (ls LayerSpec) IntParam(key string) (int, bool) {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

// FloatParam returns a floating point parameter
func (ls LayerSpec) FloatParam(key string) (float64, bool) {
	switch v := ls.Parameters[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// BoolParam returns a boolean parameter
func (ls LayerSpec) BoolParam(key string) (bool, bool) {
	v, ok := ls.Parameters[key].(bool)
	return v, ok
}

// StringParam returns a string parameter
func (ls LayerSpec) StringParam(key string) (string, bool) {
	switch v := ls.Parameters[key].(type) {
	case string:
		return v, true
	case Padding:
		return string(v), true
	}
	return "", false
}

// ModelSpec is a complete classifier graph as layer configuration.
// Layers are stored in insertion order, which is a topological order.
type ModelSpec struct {
	Name   string      `json:"name"`
	Format DataFormat  `json:"data_format"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	OutputName      string  `json:"output_name"`
	Compiled        bool    `json:"compiled"`
}

// Conv2DConfig holds the settings of a 2D convolution
type Conv2DConfig struct {
	Filters    int
	KernelSize int
	Stride     int
	Padding    Padding
	UseBias    bool
	Groups     int
	L2         float64
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateInputSpec creates the graph input placeholder
func (lf *LayerFactory) CreateInputSpec(shape []int, name string) LayerSpec {
	return LayerSpec{
		Type: Input,
		Name: name,
		Parameters: map[string]interface{}{
			"shape": append([]int(nil), shape...),
		},
	}
}

// CreateConv2DSpec creates a Conv2D layer specification
func (lf *LayerFactory) CreateConv2DSpec(cfg Conv2DConfig, name string) LayerSpec {
	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}
	if cfg.Groups <= 0 {
		cfg.Groups = 1
	}
	if cfg.Padding == "" {
		cfg.Padding = PaddingValid
	}
	params := map[string]interface{}{
		"filters":     cfg.Filters,
		"kernel_size": cfg.KernelSize,
		"stride":      cfg.Stride,
		"padding":     string(cfg.Padding),
		"use_bias":    cfg.UseBias,
		"groups":      cfg.Groups,
	}
	if cfg.L2 > 0 {
		params["l2"] = cfg.L2
	}
	return LayerSpec{Type: Conv2D, Name: name, Parameters: params}
}

// CreateBatchNormSpec creates a Batch Normalization layer specification.
// axis is the channel axis the statistics are computed over.
func (lf *LayerFactory) CreateBatchNormSpec(axis int, eps, momentum float64, mode TrainingMode, name string) LayerSpec {
	params := map[string]interface{}{
		"axis":     axis,
		"eps":      eps,
		"momentum": momentum,
		"affine":   true,
	}
	// Only an explicit mode is recorded; auto defers to the runtime
	switch mode {
	case ModeTraining:
		params["training"] = true
	case ModeInference:
		params["training"] = false
	}
	return LayerSpec{Type: BatchNorm, Name: name, Parameters: params}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSoftmaxSpec creates a Softmax activation specification
func (lf *LayerFactory) CreateSoftmaxSpec(axis int, name string) LayerSpec {
	return LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
}

// CreateAddSpec creates an element-wise sum specification
func (lf *LayerFactory) CreateAddSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Add,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreatePoolSpec creates a MaxPool2D or AvgPool2D specification
func (lf *LayerFactory) CreatePoolSpec(lt LayerType, height, width, stride int, padding Padding, name string) LayerSpec {
	if stride <= 0 {
		stride = height
	}
	if padding == "" {
		padding = PaddingValid
	}
	return LayerSpec{
		Type: lt,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_height": height,
			"pool_width":  width,
			"stride":      stride,
			"padding":     string(padding),
		},
	}
}

// CreateGlobalAvgPoolSpec creates a global average pooling specification
func (lf *LayerFactory) CreateGlobalAvgPoolSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       GlobalAvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateFlattenSpec creates a flatten specification
func (lf *LayerFactory) CreateFlattenSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Flatten,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(units int, useBias bool, l2 float64, name string) LayerSpec {
	params := map[string]interface{}{
		"units":    units,
		"use_bias": useBias,
	}
	if l2 > 0 {
		params["l2"] = l2
	}
	return LayerSpec{Type: Dense, Name: name, Parameters: params}
}

// Layer returns the named layer
func (ms *ModelSpec) Layer(name string) (LayerSpec, bool) {
	for _, l := range ms.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// OutputLayer returns the node producing the model output
func (ms *ModelSpec) OutputLayer() (LayerSpec, bool) {
	return ms.Layer(ms.OutputName)
}

// Consumers returns the layers that take the named node as an input
func (ms *ModelSpec) Consumers(name string) []LayerSpec {
	var out []LayerSpec
	for _, l := range ms.Layers {
		for _, in := range l.Inputs {
			if in == name {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// CountByType returns how many layers of each type the model holds
func (ms *ModelSpec) CountByType() map[LayerType]int {
	counts := make(map[LayerType]int)
	for _, l := range ms.Layers {
		counts[l.Type]++
	}
	return counts
}

// RegularizedLayers returns the layers whose kernels carry an L2 penalty
func (ms *ModelSpec) RegularizedLayers() map[string]L2 {
	out := make(map[string]L2)
	for _, l := range ms.Layers {
		if s, ok := l.FloatParam("l2"); ok && s > 0 {
			out[l.Name] = L2{Strength: s}
		}
	}
	return out
}

// Validate checks the graph structure: a single input, every edge points
// at an earlier node and the output node exists.
func (ms *ModelSpec) Validate() error {
	if len(ms.Layers) == 0 {
		return ErrEmptyGraph
	}
	seen := make(map[string]bool, len(ms.Layers))
	inputs := 0
	for i, l := range ms.Layers {
		if seen[l.Name] {
			return errors.Errorf("layer %d: duplicate name %q", i, l.Name)
		}
		if l.Type == Input {
			inputs++
			if len(l.Inputs) != 0 {
				return errors.Errorf("layer %d (%s): input node cannot have inputs", i, l.Name)
			}
		} else if len(l.Inputs) == 0 {
			return errors.Errorf("layer %d (%s): no inputs", i, l.Name)
		}
		for _, in := range l.Inputs {
			if !seen[in] {
				return errors.Wrapf(ErrUnknownInput, "layer %d (%s): input %q", i, l.Name, in)
			}
		}
		seen[l.Name] = true
	}
	if inputs != 1 {
		return errors.Errorf("expected exactly one input node, got %d", inputs)
	}
	if !seen[ms.OutputName] {
		return errors.Errorf("output node %q not found", ms.OutputName)
	}
	return nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary: %s\n", ms.Name)
	fmt.Fprintf(&b, "Data Format: %s\n", ms.Format)
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "%4d %-28s %-16s out=%-20v params=%d", i, layer.Name, layer.Type, layer.OutputShape, layer.ParameterCount)
		if len(layer.Inputs) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(layer.Inputs, ", "))
		}
		b.WriteString("\n")
	}

	counts := ms.CountByType()
	types := make([]LayerType, 0, len(counts))
	for lt := range counts {
		types = append(types, lt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	b.WriteString("\n")
	for _, lt := range types {
		fmt.Fprintf(&b, "%-16s %d\n", lt, counts[lt])
	}

	return b.String()
}

// ParameterMillions is TotalParameters scaled for display
func (ms *ModelSpec) ParameterMillions() float64 {
	return math.Round(float64(ms.TotalParameters)/1e4) / 100
}
