package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/convnets/layers"
)

func intParam(t *testing.T, l layers.LayerSpec, key string) int {
	t.Helper()
	v, ok := l.IntParam(key)
	require.True(t, ok, "layer %s has no %s", l.Name, key)
	return v
}

func TestReduceWidth(t *testing.T) {
	tests := []struct {
		k    int
		want int
	}{
		{64, 16},
		{100, 25},
		{130, 32},
		{1023, 255},
		{7, 1},
		{3, 0},
	}
	for _, tt := range tests {
		if got := ReduceWidth(tt.k); got != tt.want {
			t.Errorf("ReduceWidth(%d) = %d, want %d", tt.k, got, tt.want)
		}
	}
}

func TestResidualModuleProjectsFromFirstActivation(t *testing.T) {
	gb := layers.NewGraphBuilder("block", layers.ChannelsLast)
	x := gb.Input(1, 16, 16, 64, "")
	out := ResidualModule(gb, x, 128, 2, true, DefaultBlockOptions(), "b")
	model, err := gb.Build()
	require.NoError(t, err)

	assert.Equal(t, []int{1, 8, 8, 128}, out.Shape())

	add, _ := model.Layer("b_add")
	assert.Equal(t, []string{"b_conv3", "b_shortcut"}, add.Inputs)

	shortcut, _ := model.Layer("b_shortcut")
	assert.Equal(t, []string{"b_relu1"}, shortcut.Inputs)
	assert.Equal(t, 2, intParam(t, shortcut, "stride"))
	assert.Equal(t, 128, intParam(t, shortcut, "filters"))

	conv3, _ := model.Layer("b_conv3")
	assert.Equal(t, conv3.OutputShape, shortcut.OutputShape)

	conv1, _ := model.Layer("b_conv1")
	assert.Equal(t, 32, intParam(t, conv1, "filters"))
	assert.Equal(t, 1, intParam(t, conv1, "kernel_size"))

	conv2, _ := model.Layer("b_conv2")
	assert.Equal(t, 32, intParam(t, conv2, "filters"))
	assert.Equal(t, 3, intParam(t, conv2, "kernel_size"))
	assert.Equal(t, 2, intParam(t, conv2, "stride"))
	padding, _ := conv2.StringParam("padding")
	assert.Equal(t, "same", padding)
}

func TestResidualModuleIdentityShortcut(t *testing.T) {
	gb := layers.NewGraphBuilder("block", layers.ChannelsLast)
	x := gb.Input(1, 8, 8, 64, "")
	ResidualModule(gb, x, 64, 1, false, DefaultBlockOptions(), "b")
	model, err := gb.Build()
	require.NoError(t, err)

	add, _ := model.Layer("b_add")
	assert.Equal(t, []string{"b_conv3", "input"}, add.Inputs)
	_, ok := model.Layer("b_shortcut")
	assert.False(t, ok)
}

func TestResidualModuleTruncatesReduceWidth(t *testing.T) {
	for _, k := range []int{36, 50, 66, 130} {
		gb := layers.NewGraphBuilder("block", layers.ChannelsLast)
		x := gb.Input(1, 4, 4, 8, "")
		ResidualModule(gb, x, k, 1, true, DefaultBlockOptions(), "b")
		model, err := gb.Build()
		require.NoError(t, err)

		conv1, _ := model.Layer("b_conv1")
		conv2, _ := model.Layer("b_conv2")
		assert.Equal(t, k/4, intParam(t, conv1, "filters"), "k=%d", k)
		assert.Equal(t, k/4, intParam(t, conv2, "filters"), "k=%d", k)
	}
}

func TestResidualModuleMismatchWithoutReduce(t *testing.T) {
	gb := layers.NewGraphBuilder("block", layers.ChannelsLast)
	x := gb.Input(1, 8, 8, 64, "")
	ResidualModule(gb, x, 128, 1, false, DefaultBlockOptions(), "b")
	_, err := gb.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add shape mismatch")
}

func TestStageStrides(t *testing.T) {
	cfg := ResNetConfig{
		Width: 32, Height: 32, Depth: 3, Classes: 10,
		Stages:  []int{2, 3, 2},
		Filters: []int{16, 32, 64, 128},
	}
	model, err := BuildResNet(cfg)
	require.NoError(t, err)

	for i, blocks := range cfg.Stages {
		for j := 0; j < blocks; j++ {
			prefix := fmt.Sprintf("stage%d_block%d", i+1, j)
			conv2, ok := model.Layer(prefix + "_conv2")
			require.True(t, ok, prefix)

			want := 1
			if j == 0 && i > 0 {
				want = 2
			}
			assert.Equal(t, want, intParam(t, conv2, "stride"), prefix)

			shortcut, hasShortcut := model.Layer(prefix + "_shortcut")
			assert.Equal(t, j == 0, hasShortcut, prefix)
			if hasShortcut {
				assert.Equal(t, want, intParam(t, shortcut, "stride"), prefix)
			}
		}
	}
}

func TestBuildResNetExample(t *testing.T) {
	cfg := ResNetConfig{
		Width: 32, Height: 32, Depth: 3, Classes: 10,
		Stages:  []int{3, 4, 6, 3},
		Filters: []int{64, 128, 256, 512, 1024},
		Reg:     1e-4,
	}
	model, err := BuildResNet(cfg)
	require.NoError(t, err)

	out, ok := model.OutputLayer()
	require.True(t, ok)
	assert.Equal(t, layers.Softmax, out.Type)
	require.Len(t, out.Inputs, 1)

	fc, _ := model.Layer(out.Inputs[0])
	assert.Equal(t, layers.Dense, fc.Type)
	assert.Equal(t, 10, intParam(t, fc, "units"))
	assert.Equal(t, []int{-1, 10}, model.OutputShape)

	counts := model.CountByType()
	assert.Equal(t, 16, counts[layers.Add])
	assert.Equal(t, 1, counts[layers.AvgPool2D])
	assert.Equal(t, 1, counts[layers.Flatten])

	pool, _ := model.Layer("head_pool")
	assert.Equal(t, 4, intParam(t, pool, "pool_height"))
	assert.Equal(t, 4, intParam(t, pool, "pool_width"))
	assert.Equal(t, []int{-1, 1, 1, 1024}, pool.OutputShape)

	for _, l := range model.Layers {
		if l.Type == layers.Conv2D {
			bias, _ := l.BoolParam("use_bias")
			assert.False(t, bias, "%s should not use a bias", l.Name)
			reg, _ := l.FloatParam("l2")
			assert.Equal(t, 1e-4, reg, l.Name)
		}
		if l.Type == layers.BatchNorm {
			_, explicit := l.BoolParam("training")
			assert.False(t, explicit, "%s should defer to the runtime mode", l.Name)
		}
	}
}

func TestResNetCIFARPreset(t *testing.T) {
	model, err := BuildResNet(ResNetCIFAR())
	require.NoError(t, err)

	pool, _ := model.Layer("head_pool")
	assert.Equal(t, 8, intParam(t, pool, "pool_height"))
	assert.Equal(t, 27, model.CountByType()[layers.Add])

	bn, _ := model.Layer("stem_bn")
	eps, _ := bn.FloatParam("eps")
	momentum, _ := bn.FloatParam("momentum")
	assert.Equal(t, 2e-5, eps)
	assert.Equal(t, 0.9, momentum)
}

func TestResNetZeroBatchNormSettingsUseDefaults(t *testing.T) {
	cfg := ResNetCIFAR()
	cfg.Stages = []int{1, 1, 1}
	cfg.BNEps, cfg.BNMomentum = 0, 0
	model, err := BuildResNet(cfg)
	require.NoError(t, err)

	bn, _ := model.Layer("stage1_block0_bn1")
	eps, _ := bn.FloatParam("eps")
	momentum, _ := bn.FloatParam("momentum")
	assert.Equal(t, 2e-5, eps)
	assert.Equal(t, 0.9, momentum)
}

func TestResNetParameterCount(t *testing.T) {
	cfg := ResNetConfig{
		Width: 4, Height: 4, Depth: 1, Classes: 2,
		Stages:  []int{1},
		Filters: []int{4, 8},
	}
	model, err := BuildResNet(cfg)
	require.NoError(t, err)

	// stem bn 2 + stem conv 36 + block 108 + head bn 16 + dense 18
	assert.Equal(t, int64(180), model.TotalParameters)
}

func TestResNetChannelsFirst(t *testing.T) {
	cfg := ResNetCIFAR()
	cfg.Stages = []int{1, 1, 1}
	cfg.Format = layers.ChannelsFirst
	cfg.BatchSize = 4
	model, err := BuildResNet(cfg)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 3, 32, 32}, model.InputShape)
	for _, l := range model.Layers {
		if l.Type == layers.BatchNorm {
			assert.Equal(t, 1, intParam(t, l, "axis"), l.Name)
		}
	}
	pool, _ := model.Layer("head_pool")
	assert.Equal(t, []int{4, 256, 1, 1}, pool.OutputShape)
}

func TestResNetConfigValidation(t *testing.T) {
	base := ResNetCIFAR()

	tests := []struct {
		name   string
		mutate func(c *ResNetConfig)
		msg    string
	}{
		{"filter length", func(c *ResNetConfig) { c.Filters = []int{64, 64} }, "filter widths"},
		{"no stages", func(c *ResNetConfig) { c.Stages = nil }, "at least one stage"},
		{"empty stage", func(c *ResNetConfig) { c.Stages = []int{9, 0, 9} }, "at least one block"},
		{"classes", func(c *ResNetConfig) { c.Classes = 0 }, "classes"},
		{"dims", func(c *ResNetConfig) { c.Width = 0 }, "input dimensions"},
		{"tiny width", func(c *ResNetConfig) { c.Filters = []int{64, 2, 128, 256} }, "no bottleneck channels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Stages = append([]int(nil), base.Stages...)
			cfg.Filters = append([]int(nil), base.Filters...)
			tt.mutate(&cfg)
			_, err := BuildResNet(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestResNetTooSmallInput(t *testing.T) {
	cfg := ResNetCIFAR()
	cfg.Width, cfg.Height = 1, 1
	model, err := BuildResNet(cfg)
	require.NoError(t, err)
	pool, _ := model.Layer("head_pool")
	assert.Equal(t, 1, intParam(t, pool, "pool_height"))
}
