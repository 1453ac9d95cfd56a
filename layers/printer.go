package layers

import (
	"fmt"
	"io"
)

// ArchitecturePrinter prints PyTorch-style model architecture
type ArchitecturePrinter struct {
	w io.Writer
}

// NewArchitecturePrinter creates a printer writing to w
func NewArchitecturePrinter(w io.Writer) *ArchitecturePrinter {
	return &ArchitecturePrinter{w: w}
}

// Print writes one line per layer followed by a size summary
func (p *ArchitecturePrinter) Print(spec *ModelSpec) {
	fmt.Fprintf(p.w, "%s(\n", spec.Name)
	for _, layer := range spec.Layers {
		fmt.Fprintf(p.w, "  %s\n", FormatLayer(layer))
	}
	fmt.Fprintf(p.w, ")\n\n")

	fmt.Fprintf(p.w, "Total parameters: %s\n", FormatParameterCount(spec.TotalParameters))
	fmt.Fprintf(p.w, "Regularized layers: %d\n", len(spec.RegularizedLayers()))
	fmt.Fprintf(p.w, "Input size (MB): %.3f\n", tensorMegabytes(spec.InputShape))
	fmt.Fprintf(p.w, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(spec))
	fmt.Fprintf(p.w, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024) // 4 bytes per float32
	fmt.Fprintf(p.w, "Estimated Total Size (MB): %.3f\n", estimateTotalSize(spec))
}

// FormatLayer renders a single layer
func FormatLayer(layer LayerSpec) string {
	switch layer.Type {
	case Conv2D:
		return formatConv2D(layer)
	case BatchNorm:
		features, _ := layer.IntParam("num_features")
		eps, _ := layer.FloatParam("eps")
		momentum, _ := layer.FloatParam("momentum")
		return fmt.Sprintf("(%s): BatchNorm2d(%d, eps=%g, momentum=%g)", layer.Name, features, eps, momentum)
	case MaxPool2D, AvgPool2D:
		return formatPool(layer)
	case GlobalAvgPool2D:
		return fmt.Sprintf("(%s): AdaptiveAvgPool2d(output_size=1)", layer.Name)
	case Dense:
		inFeatures, _ := layer.IntParam("input_size")
		outFeatures, _ := layer.IntParam("units")
		useBias, _ := layer.BoolParam("use_bias")
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)", layer.Name, inFeatures, outFeatures, useBias)
	case ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case Softmax:
		axis, _ := layer.IntParam("axis")
		return fmt.Sprintf("(%s): Softmax(dim=%d)", layer.Name, axis)
	case Add:
		return fmt.Sprintf("(%s): Add(%v)", layer.Name, layer.Inputs)
	case Input:
		return fmt.Sprintf("(%s): Input(shape=%v)", layer.Name, layer.OutputShape)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

func formatConv2D(layer LayerSpec) string {
	inChannels, _ := layer.IntParam("input_channels")
	outChannels, _ := layer.IntParam("filters")
	kernelSize, _ := layer.IntParam("kernel_size")
	stride, _ := layer.IntParam("stride")
	padding, _ := layer.StringParam("padding")
	useBias, _ := layer.BoolParam("use_bias")

	s := fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=%s",
		layer.Name, inChannels, outChannels, kernelSize, kernelSize, stride, stride, padding)
	if groups, ok := layer.IntParam("groups"); ok && groups > 1 {
		s += fmt.Sprintf(", groups=%d", groups)
	}
	return s + fmt.Sprintf(", bias=%t)", useBias)
}

func formatPool(layer LayerSpec) string {
	name := "MaxPool2d"
	if layer.Type == AvgPool2D {
		name = "AvgPool2d"
	}
	height, _ := layer.IntParam("pool_height")
	width, _ := layer.IntParam("pool_width")
	stride, _ := layer.IntParam("stride")
	padding, _ := layer.StringParam("padding")
	return fmt.Sprintf("(%s): %s(kernel_size=(%d, %d), stride=%d, padding=%s)", layer.Name, name, height, width, stride, padding)
}

// FormatParameterCount formats parameter count with K/M suffixes
func FormatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// tensorMegabytes estimates float32 tensor size in MB. A dynamic batch
// counts as one sample.
func tensorMegabytes(shape []int) float64 {
	if len(shape) == 0 {
		return 0
	}
	size := 1
	for _, dim := range shape {
		if dim > 0 {
			size *= dim
		}
	}
	return float64(size*4) / 1024 / 1024
}

// estimateForwardBackwardSize estimates activation memory: every layer
// output is kept for the backward pass and matched by a gradient
func estimateForwardBackwardSize(spec *ModelSpec) float64 {
	total := 0.0
	for _, layer := range spec.Layers {
		total += tensorMegabytes(layer.OutputShape)
	}
	return total * 2
}

func estimateTotalSize(spec *ModelSpec) float64 {
	paramsSize := float64(spec.TotalParameters*4) / 1024 / 1024
	return tensorMegabytes(spec.InputShape) + paramsSize + estimateForwardBackwardSize(spec)
}
