package models

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/convnets/layers"
)

// ResNeXt stage widths and strides. Each stage outputs twice its width.
var (
	resNeXtWidths  = []int{128, 256, 512, 1024}
	resNeXtStrides = []int{1, 2, 2, 2}
)

// StageFunc applies a stack of blocks to x. The training mode is passed
// explicitly and reaches every normalization layer of the stack.
type StageFunc func(gb *layers.GraphBuilder, x layers.Node, mode layers.TrainingMode) layers.Node

// Bottleneck appends one grouped-convolution bottleneck:
// 1x1 conv F, BN, ReLU, 3x3 conv F split into groups at stride, BN, ReLU,
// 1x1 conv 2F, BN. The shortcut is a strided 1x1 conv 2F followed by BN,
// and the block output is ReLU(main + shortcut).
func Bottleneck(gb *layers.GraphBuilder, x layers.Node, filters, stride, groups int, mode layers.TrainingMode, opts BlockOptions, prefix string) layers.Node {
	out := 2 * filters

	y := gb.Conv2D(x, layers.Conv2DConfig{
		Filters:    filters,
		KernelSize: 1,
		Padding:    layers.PaddingSame,
		UseBias:    true,
	}, prefix+"_conv1")
	y = gb.BatchNorm(y, opts.BNEps, opts.BNMomentum, mode, prefix+"_bn1")
	y = gb.ReLU(y, prefix+"_relu1")

	y = gb.Conv2D(y, layers.Conv2DConfig{
		Filters:    filters,
		KernelSize: 3,
		Stride:     stride,
		Padding:    layers.PaddingSame,
		UseBias:    true,
		Groups:     groups,
	}, prefix+"_group_conv")
	y = gb.BatchNorm(y, opts.BNEps, opts.BNMomentum, mode, prefix+"_bn2")
	y = gb.ReLU(y, prefix+"_relu2")

	y = gb.Conv2D(y, layers.Conv2DConfig{
		Filters:    out,
		KernelSize: 1,
		Padding:    layers.PaddingSame,
		UseBias:    true,
	}, prefix+"_conv2")
	y = gb.BatchNorm(y, opts.BNEps, opts.BNMomentum, mode, prefix+"_bn3")

	shortcut := gb.Conv2D(x, layers.Conv2DConfig{
		Filters:    out,
		KernelSize: 1,
		Stride:     stride,
		Padding:    layers.PaddingSame,
		UseBias:    true,
	}, prefix+"_shortcut_conv")
	shortcut = gb.BatchNorm(shortcut, opts.BNEps, opts.BNMomentum, mode, prefix+"_shortcut_bn")

	sum := gb.Add(prefix+"_add", y, shortcut)
	return gb.ReLU(sum, prefix+"_out")
}

// ResNeXtStage returns a stage of repeat bottlenecks at width filters.
// Only the first block downsamples.
func ResNeXtStage(filters, stride, groups, repeat int, opts BlockOptions, prefix string) StageFunc {
	return func(gb *layers.GraphBuilder, x layers.Node, mode layers.TrainingMode) layers.Node {
		x = Bottleneck(gb, x, filters, stride, groups, mode, opts, prefix+"_block0")
		for i := 1; i < repeat; i++ {
			x = Bottleneck(gb, x, filters, 1, groups, mode, opts, fmt.Sprintf("%s_block%d", prefix, i))
		}
		return x
	}
}

// ResNeXtConfig describes a four-stage ResNeXt classifier
type ResNeXtConfig struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Depth   int `json:"depth"`
	Classes int `json:"classes"`

	RepeatNums  []int `json:"repeat_nums"`
	Cardinality int   `json:"cardinality"`

	// Zero BNEps or BNMomentum selects 1e-3 and 0.99
	Reg        float64 `json:"reg"`
	BNEps      float64 `json:"bn_eps"`
	BNMomentum float64 `json:"bn_momentum"`

	Dataset   string              `json:"dataset,omitempty"` // label only
	Format    layers.DataFormat   `json:"data_format,omitempty"`
	BatchSize int                 `json:"batch_size,omitempty"`
	Mode      layers.TrainingMode `json:"mode"`
}

func defaultResNeXt(repeats []int, classes int) ResNeXtConfig {
	return ResNeXtConfig{
		Width:       224,
		Height:      224,
		Depth:       3,
		Classes:     classes,
		RepeatNums:  repeats,
		Cardinality: 32,
		Reg:         1e-4,
		BNEps:       1e-3,
		BNMomentum:  0.99,
		Format:      layers.ChannelsLast,
	}
}

// ResNeXt50Config returns the 50-layer configuration (3, 4, 6, 3 blocks,
// cardinality 32) on 224x224x3 inputs
func ResNeXt50Config(classes int) ResNeXtConfig {
	return defaultResNeXt([]int{3, 4, 6, 3}, classes)
}

// ResNeXt101Config returns the 101-layer configuration (3, 4, 23, 3 blocks,
// cardinality 32) on 224x224x3 inputs
func ResNeXt101Config(classes int) ResNeXtConfig {
	return defaultResNeXt([]int{3, 4, 23, 3}, classes)
}

// ResNeXt50 builds the 50-layer ResNeXt classifier
func ResNeXt50(classes int) (*layers.ModelSpec, error) {
	return BuildResNeXt(ResNeXt50Config(classes))
}

// ResNeXt101 builds the 101-layer ResNeXt classifier
func ResNeXt101(classes int) (*layers.ModelSpec, error) {
	return BuildResNeXt(ResNeXt101Config(classes))
}

// Validate checks the configuration before any layer is created
func (c ResNeXtConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.Depth <= 0 {
		return errors.Errorf("input dimensions must be positive, got %dx%dx%d", c.Width, c.Height, c.Depth)
	}
	if c.Classes <= 0 {
		return errors.Errorf("classes must be positive, got %d", c.Classes)
	}
	if len(c.RepeatNums) != len(resNeXtWidths) {
		return errors.Errorf("expected %d repeat counts, got %d", len(resNeXtWidths), len(c.RepeatNums))
	}
	for i, n := range c.RepeatNums {
		if n < 1 {
			return errors.Errorf("stage %d must hold at least one block, got %d", i, n)
		}
	}
	if c.Cardinality < 1 {
		return errors.Errorf("cardinality must be positive, got %d", c.Cardinality)
	}
	for _, w := range resNeXtWidths {
		if w%c.Cardinality != 0 {
			return errors.Errorf("cardinality %d does not divide stage width %d", c.Cardinality, w)
		}
	}
	if c.Reg < 0 || c.BNEps < 0 || c.BNMomentum < 0 {
		return errors.New("reg, bn_eps and bn_momentum cannot be negative")
	}
	return nil
}

// BuildResNeXt assembles the classifier: 7x7/2 conv, BN, ReLU and 3x3/2 max
// pool stem, four grouped-convolution stages, global average pool, dense
// and softmax. cfg.Mode is threaded into every stage.
func BuildResNeXt(cfg ResNeXtConfig) (*layers.ModelSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid resnext config")
	}
	opts := BlockOptions{Reg: cfg.Reg, BNEps: cfg.BNEps, BNMomentum: cfg.BNMomentum, Mode: cfg.Mode}
	if opts.BNEps == 0 {
		opts.BNEps = 1e-3
	}
	if opts.BNMomentum == 0 {
		opts.BNMomentum = 0.99
	}

	gb := layers.NewGraphBuilder("resnext", cfg.Format)
	inputs := gb.Input(cfg.BatchSize, cfg.Height, cfg.Width, cfg.Depth, "input")

	x := gb.Conv2D(inputs, layers.Conv2DConfig{
		Filters:    64,
		KernelSize: 7,
		Stride:     2,
		Padding:    layers.PaddingSame,
		UseBias:    true,
	}, "stem_conv")
	x = gb.BatchNorm(x, opts.BNEps, opts.BNMomentum, cfg.Mode, "stem_bn")
	x = gb.ReLU(x, "stem_relu")
	x = gb.MaxPool2D(x, 3, 2, layers.PaddingSame, "stem_pool")

	for i, width := range resNeXtWidths {
		stage := ResNeXtStage(width, resNeXtStrides[i], cfg.Cardinality, cfg.RepeatNums[i], opts, fmt.Sprintf("stage%d", i+1))
		x = stage(gb, x, cfg.Mode)
	}

	x = gb.GlobalAvgPool2D(x, "global_pool")
	x = gb.Dense(x, cfg.Classes, true, opts.Reg, "fc")
	gb.Softmax(x, "softmax")

	return gb.Build()
}
