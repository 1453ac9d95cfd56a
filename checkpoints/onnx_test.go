package checkpoints

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/convnets/layers"
	"github.com/tsawler/convnets/models"
)

func tinyResNet(t *testing.T, format layers.DataFormat) *layers.ModelSpec {
	t.Helper()
	model, err := models.BuildResNet(models.ResNetConfig{
		Width: 4, Height: 4, Depth: 1, Classes: 2,
		Stages:  []int{1},
		Filters: []int{4, 8},
		Format:  format,
	})
	require.NoError(t, err)
	return model
}

func exportAndRead(t *testing.T, model *layers.ModelSpec) *GraphInfo {
	t.Helper()
	data, err := NewONNXExporter().Export(model)
	require.NoError(t, err)
	info, err := NewONNXImporter().ReadGraph(data)
	require.NoError(t, err)
	return info
}

func TestONNXExportHeader(t *testing.T) {
	info := exportAndRead(t, tinyResNet(t, layers.ChannelsLast))

	assert.Equal(t, int64(7), info.IRVersion)
	assert.Equal(t, int64(13), info.OpsetVersion)
	assert.Equal(t, "convnets", info.ProducerName)
	assert.Equal(t, Version, info.ProducerVersion)
	assert.Equal(t, "resnet", info.Name)
}

func TestONNXExportResNetGraph(t *testing.T) {
	info := exportAndRead(t, tinyResNet(t, layers.ChannelsLast))

	assert.Equal(t, map[string]int{
		"Transpose":          2,
		"BatchNormalization": 5,
		"Conv":               5,
		"Relu":               4,
		"Add":                1,
		"AveragePool":        1,
		"Flatten":            1,
		"Gemm":               1,
		"Softmax":            1,
	}, info.OpCounts())

	// Data input keeps the channels-last shape with a symbolic batch
	input, ok := info.Input("input")
	require.True(t, ok)
	assert.Equal(t, []int{-1, 4, 4, 1}, input.Shape)
	assert.Equal(t, "input", info.Nodes[0].Inputs[0])
	assert.Equal(t, []int64{0, 3, 1, 2}, info.Nodes[0].Attributes["perm"].Ints)

	stem, ok := info.Node("stem_conv")
	require.True(t, ok)
	assert.Equal(t, []string{"stem_bn", "stem_conv.weight"}, stem.Inputs)
	assert.Equal(t, []int64{3, 3}, stem.Attributes["kernel_shape"].Ints)
	assert.Equal(t, "SAME_UPPER", stem.Attributes["auto_pad"].String)
	assert.Equal(t, int64(1), stem.Attributes["group"].Int)

	weight, ok := info.Input("stem_conv.weight")
	require.True(t, ok)
	assert.Equal(t, []int{4, 1, 3, 3}, weight.Shape)

	shortcut, _ := info.Node("stage1_block0_shortcut")
	assert.Equal(t, "stage1_block0_relu1", shortcut.Inputs[0])
	add, _ := info.Node("stage1_block0_add")
	assert.Equal(t, []string{"stage1_block0_conv3", "stage1_block0_shortcut"}, add.Inputs)

	bn, _ := info.Node("stem_bn")
	require.Len(t, bn.Inputs, 5)
	assert.Equal(t, "stem_bn.running_var", bn.Inputs[4])
	assert.InDelta(t, 2e-5, bn.Attributes["epsilon"].Float, 1e-9)
	assert.InDelta(t, 0.9, bn.Attributes["momentum"].Float, 1e-6)

	flatten, _ := info.Node("flatten")
	assert.Equal(t, []string{"flatten_nhwc"}, flatten.Inputs)

	fc, _ := info.Node("fc")
	assert.Equal(t, "Gemm", fc.OpType)
	fcWeight, _ := info.Input("fc.weight")
	assert.Equal(t, []int{8, 2}, fcWeight.Shape)

	softmax, _ := info.Node("softmax")
	assert.Equal(t, int64(-1), softmax.Attributes["axis"].Int)

	require.Len(t, info.Outputs, 1)
	assert.Equal(t, "softmax", info.Outputs[0].Name)
	assert.Equal(t, []int{-1, 2}, info.Outputs[0].Shape)
}

func TestONNXExportChannelsFirst(t *testing.T) {
	info := exportAndRead(t, tinyResNet(t, layers.ChannelsFirst))

	_, hasTranspose := info.OpCounts()["Transpose"]
	assert.False(t, hasTranspose)
	stem, _ := info.Node("stem_bn")
	assert.Equal(t, "input", stem.Inputs[0])
	input, _ := info.Input("input")
	assert.Equal(t, []int{-1, 1, 4, 4}, input.Shape)
}

func TestONNXExportResNeXt(t *testing.T) {
	cfg := models.ResNeXt50Config(10)
	cfg.Width, cfg.Height = 32, 32
	cfg.RepeatNums = []int{1, 1, 1, 1}
	cfg.Cardinality = 8
	cfg.BatchSize = 16
	model, err := models.BuildResNeXt(cfg)
	require.NoError(t, err)

	info := exportAndRead(t, model)
	counts := info.OpCounts()
	assert.Equal(t, 1, counts["MaxPool"])
	assert.Equal(t, 1, counts["GlobalAveragePool"])
	assert.Equal(t, 4, counts["Add"])

	group, ok := info.Node("stage2_block0_group_conv")
	require.True(t, ok)
	assert.Equal(t, int64(8), group.Attributes["group"].Int)
	assert.Equal(t, []int64{2, 2}, group.Attributes["strides"].Ints)
	weight, _ := info.Input("stage2_block0_group_conv.weight")
	assert.Equal(t, []int{256, 32, 3, 3}, weight.Shape)

	// global pool is flattened to [N, C]
	gap, _ := info.Node("global_pool")
	assert.Equal(t, "Flatten", gap.OpType)
	assert.Equal(t, []string{"global_pool_pool"}, gap.Inputs)

	input, _ := info.Input("input")
	assert.Equal(t, []int{16, 32, 32, 3}, input.Shape)
}

func TestONNXExportRejectsUncompiled(t *testing.T) {
	_, err := NewONNXExporter().Export(&layers.ModelSpec{Name: "raw"})
	assert.Error(t, err)
	_, err = NewONNXExporter().Export(nil)
	assert.Error(t, err)
}

func TestONNXSaveAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	exporter := NewONNXExporter()
	exporter.DocString = "tiny resnet"
	require.NoError(t, exporter.Save(tinyResNet(t, layers.ChannelsLast), path))

	info, err := NewONNXImporter().ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny resnet", info.DocString)
	assert.NotEmpty(t, info.Nodes)
}

func TestONNXReadGraphErrors(t *testing.T) {
	_, err := NewONNXImporter().ReadGraph([]byte{0xff})
	assert.Error(t, err)

	// A well-formed message without a graph
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	_, err = NewONNXImporter().ReadGraph(b)
	assert.Error(t, err)
}

func TestONNXReadPackedInts(t *testing.T) {
	var packed []byte
	for _, v := range []int64{1, 2, 3} {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	var attr []byte
	attr = appendStringField(attr, attrName, "pads")
	attr = appendMessageField(attr, attrInts, packed)

	name, value, err := decodeAttr(attr)
	require.NoError(t, err)
	assert.Equal(t, "pads", name)
	assert.Equal(t, []int64{1, 2, 3}, value.Ints)
}
