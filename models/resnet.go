package models

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/convnets/layers"
)

// BlockOptions carries the regularization and normalization settings shared
// by every block of a network
type BlockOptions struct {
	Reg        float64 // L2 strength on convolution kernels
	BNEps      float64
	BNMomentum float64
	Mode       layers.TrainingMode
}

// DefaultBlockOptions returns the ResNet defaults: L2 1e-4, BN eps 2e-5,
// BN momentum 0.9.
func DefaultBlockOptions() BlockOptions {
	return BlockOptions{
		Reg:        1e-4,
		BNEps:      2e-5,
		BNMomentum: 0.9,
	}
}

// ReduceWidth is the channel count of a bottleneck's 1x1 reduce and 3x3
// convolutions: k*0.25 truncated toward zero.
func ReduceWidth(k int) int {
	return int(float64(k) * 0.25)
}

// StageStride is the stride of the first block of stage i
func StageStride(i int) int {
	if i == 0 {
		return 1
	}
	return 2
}

// ResidualModule appends a pre-activation bottleneck block and returns its
// output.
//
// The main path is BN-ReLU-1x1 conv to ReduceWidth(k), BN-ReLU-3x3 conv at
// stride, BN-ReLU-1x1 conv to k. When reduce is set the shortcut is a 1x1
// conv to k at stride applied to the first activation rather than the raw
// input.
func ResidualModule(gb *layers.GraphBuilder, data layers.Node, k, stride int, reduce bool, opts BlockOptions, prefix string) layers.Node {
	shortcut := data
	width := ReduceWidth(k)

	bn1 := gb.BatchNorm(data, opts.BNEps, opts.BNMomentum, opts.Mode, prefix+"_bn1")
	act1 := gb.ReLU(bn1, prefix+"_relu1")
	conv1 := gb.Conv2D(act1, layers.Conv2DConfig{
		Filters:    width,
		KernelSize: 1,
		Padding:    layers.PaddingValid,
		L2:         opts.Reg,
	}, prefix+"_conv1")

	bn2 := gb.BatchNorm(conv1, opts.BNEps, opts.BNMomentum, opts.Mode, prefix+"_bn2")
	act2 := gb.ReLU(bn2, prefix+"_relu2")
	conv2 := gb.Conv2D(act2, layers.Conv2DConfig{
		Filters:    width,
		KernelSize: 3,
		Stride:     stride,
		Padding:    layers.PaddingSame,
		L2:         opts.Reg,
	}, prefix+"_conv2")

	bn3 := gb.BatchNorm(conv2, opts.BNEps, opts.BNMomentum, opts.Mode, prefix+"_bn3")
	act3 := gb.ReLU(bn3, prefix+"_relu3")
	conv3 := gb.Conv2D(act3, layers.Conv2DConfig{
		Filters:    k,
		KernelSize: 1,
		Padding:    layers.PaddingValid,
		L2:         opts.Reg,
	}, prefix+"_conv3")

	if reduce {
		shortcut = gb.Conv2D(act1, layers.Conv2DConfig{
			Filters:    k,
			KernelSize: 1,
			Stride:     stride,
			Padding:    layers.PaddingValid,
			L2:         opts.Reg,
		}, prefix+"_shortcut")
	}

	return gb.Add(prefix+"_add", conv3, shortcut)
}

// ResNetConfig describes a pre-activation bottleneck ResNet
type ResNetConfig struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Depth   int `json:"depth"`
	Classes int `json:"classes"`

	// Stages[i] blocks are stacked at width Filters[i+1]; Filters[0] is the stem
	Stages  []int `json:"stages"`
	Filters []int `json:"filters"`

	// Zero BNEps or BNMomentum selects 2e-5 and 0.9
	Reg        float64 `json:"reg"`
	BNEps      float64 `json:"bn_eps"`
	BNMomentum float64 `json:"bn_momentum"`

	Dataset   string            `json:"dataset,omitempty"` // label only
	Format    layers.DataFormat `json:"data_format,omitempty"`
	BatchSize int               `json:"batch_size,omitempty"`
}

// ResNetCIFAR returns the CIFAR-10 configuration: three stages of nine
// blocks on a 32x32x3 input.
func ResNetCIFAR() ResNetConfig {
	opts := DefaultBlockOptions()
	return ResNetConfig{
		Width:      32,
		Height:     32,
		Depth:      3,
		Classes:    10,
		Stages:     []int{9, 9, 9},
		Filters:    []int{64, 64, 128, 256},
		Reg:        opts.Reg,
		BNEps:      opts.BNEps,
		BNMomentum: opts.BNMomentum,
		Dataset:    "cifar",
		Format:     layers.ChannelsLast,
	}
}

// Validate checks the configuration before any layer is created
func (c ResNetConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.Depth <= 0 {
		return errors.Errorf("input dimensions must be positive, got %dx%dx%d", c.Width, c.Height, c.Depth)
	}
	if c.Classes <= 0 {
		return errors.Errorf("classes must be positive, got %d", c.Classes)
	}
	if len(c.Stages) == 0 {
		return errors.New("at least one stage is required")
	}
	if len(c.Filters) != len(c.Stages)+1 {
		return errors.Errorf("expected %d filter widths for %d stages, got %d", len(c.Stages)+1, len(c.Stages), len(c.Filters))
	}
	for i, n := range c.Stages {
		if n < 1 {
			return errors.Errorf("stage %d must hold at least one block, got %d", i, n)
		}
	}
	for i, f := range c.Filters {
		if f <= 0 {
			return errors.Errorf("filter width %d must be positive, got %d", i, f)
		}
		if i > 0 && ReduceWidth(f) == 0 {
			return errors.Errorf("filter width %d (%d) leaves no bottleneck channels", i, f)
		}
	}
	if c.Reg < 0 || c.BNEps < 0 || c.BNMomentum < 0 {
		return errors.New("reg, bn_eps and bn_momentum cannot be negative")
	}
	return nil
}

func (c ResNetConfig) blockOptions() BlockOptions {
	opts := BlockOptions{Reg: c.Reg, BNEps: c.BNEps, BNMomentum: c.BNMomentum}
	defaults := DefaultBlockOptions()
	if opts.BNEps == 0 {
		opts.BNEps = defaults.BNEps
	}
	if opts.BNMomentum == 0 {
		opts.BNMomentum = defaults.BNMomentum
	}
	return opts
}

// BuildResNet assembles the full classifier graph:
// BN + 3x3 conv stem, the residual stages, then BN-ReLU, an average pool
// over the remaining spatial extent, flatten, dense and softmax.
func BuildResNet(cfg ResNetConfig) (*layers.ModelSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid resnet config")
	}
	opts := cfg.blockOptions()

	gb := layers.NewGraphBuilder("resnet", cfg.Format)
	inputs := gb.Input(cfg.BatchSize, cfg.Height, cfg.Width, cfg.Depth, "input")

	x := gb.BatchNorm(inputs, opts.BNEps, opts.BNMomentum, opts.Mode, "stem_bn")
	x = gb.Conv2D(x, layers.Conv2DConfig{
		Filters:    cfg.Filters[0],
		KernelSize: 3,
		Padding:    layers.PaddingSame,
		L2:         opts.Reg,
	}, "stem_conv")

	for i, blocks := range cfg.Stages {
		// The first block of each stage projects the shortcut
		prefix := fmt.Sprintf("stage%d_block0", i+1)
		x = ResidualModule(gb, x, cfg.Filters[i+1], StageStride(i), true, opts, prefix)

		for j := 1; j < blocks; j++ {
			prefix = fmt.Sprintf("stage%d_block%d", i+1, j)
			x = ResidualModule(gb, x, cfg.Filters[i+1], 1, false, opts, prefix)
		}
	}

	x = gb.BatchNorm(x, opts.BNEps, opts.BNMomentum, opts.Mode, "head_bn")
	x = gb.ReLU(x, "head_relu")
	if err := gb.Err(); err != nil {
		return nil, err
	}
	h, w, _, err := gb.Format().Dims(x.Shape())
	if err != nil {
		return nil, err
	}
	x = gb.AvgPool2D(x, h, w, 1, layers.PaddingValid, "head_pool")

	x = gb.Flatten(x, "flatten")
	x = gb.Dense(x, cfg.Classes, true, opts.Reg, "fc")
	gb.Softmax(x, "softmax")

	return gb.Build()
}
