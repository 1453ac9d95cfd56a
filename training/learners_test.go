package training

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepsPerEpoch(t *testing.T) {
	spe, err := StepsPerEpoch(64, 10000)
	require.NoError(t, err)
	assert.Equal(t, 156, spe)

	_, err = StepsPerEpoch(64, 63)
	assert.Error(t, err)
	_, err = StepsPerEpoch(0, 10000)
	assert.Error(t, err)
	_, err = StepsPerEpoch(64, -1)
	assert.Error(t, err)
}

func TestWarmupThenPiecewiseDefaults(t *testing.T) {
	cfg := DefaultWarmupPiecewiseConfig()
	schedule, err := WarmupThenPiecewise(cfg.BatchSize, cfg.EpochSize, cfg.InitLR, cfg.WarmupEpochs, cfg.Boundaries, cfg.Multipliers)
	require.NoError(t, err)

	warm, ok := schedule.(*WarmUp)
	require.True(t, ok, "expected a warm-up wrapper, got %T", schedule)
	assert.Equal(t, 780, warm.WarmupSteps)
	assert.Equal(t, 1.0, warm.Power)

	piecewise, ok := warm.Decay.(*PiecewiseConstantDecay)
	require.True(t, ok, "expected piecewise decay, got %T", warm.Decay)
	assert.Equal(t, []float64{4680, 9360, 12480}, piecewise.Boundaries)
	assert.InDeltaSlice(t, []float64{0.01, 0.001, 0.0001, 0.00001}, piecewise.Values, 1e-15)

	assert.Equal(t, 0.0, schedule.LearningRate(0))
	assert.InDelta(t, 0.005, schedule.LearningRate(390), 1e-12)
	assert.InDelta(t, 0.01, schedule.LearningRate(780), 1e-12)
	assert.InDelta(t, 0.01, schedule.LearningRate(4680), 1e-12)
	assert.InDelta(t, 0.001, schedule.LearningRate(4681), 1e-12)
	assert.InDelta(t, 0.00001, schedule.LearningRate(20000), 1e-15)
}

func TestWarmupThenPiecewiseWithoutWarmup(t *testing.T) {
	schedule, err := WarmupThenPiecewise(64, 10000, 0.01, 0, []float64{30, 60, 80}, []float64{1, 0.1, 0.01, 0.001})
	require.NoError(t, err)

	_, isWarm := schedule.(*WarmUp)
	assert.False(t, isWarm)
	_, isPiecewise := schedule.(*PiecewiseConstantDecay)
	assert.True(t, isPiecewise)
	assert.InDelta(t, 0.01, schedule.LearningRate(0), 1e-12)
}

func TestWarmupThenPiecewiseErrors(t *testing.T) {
	_, err := WarmupThenPiecewise(64, 10, 0.01, 5, []float64{30}, []float64{1, 0.1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smaller than batch size")

	schedule, err := WarmupThenPiecewise(64, 10000, 0.01, 5, []float64{30, 60}, []float64{1, 0.1})
	require.Error(t, err)
	assert.Nil(t, schedule)
	assert.Contains(t, err.Error(), "len(boundaries)+1")
}

func TestExponentialDecayLearner(t *testing.T) {
	cfg := DefaultExponentialConfig()
	schedule, err := ExponentialDecayLearner(cfg.BatchSize, cfg.EpochSize, cfg.InitLR, cfg.DecayEpochs, cfg.DecayRate)
	require.NoError(t, err)

	exp, ok := schedule.(*ExponentialDecay)
	require.True(t, ok, "expected exponential decay, got %T", schedule)
	assert.Equal(t, 780, exp.DecaySteps)
	assert.False(t, exp.Staircase)

	assert.InDelta(t, 0.01, schedule.LearningRate(0), 1e-15)
	assert.InDelta(t, 0.01*0.97, schedule.LearningRate(780), 1e-15)
	assert.InDelta(t, 0.01*math.Sqrt(0.97), schedule.LearningRate(390), 1e-15)
	assert.InDelta(t, 0.01*0.97*0.97, schedule.LearningRate(1560), 1e-15)
}

func TestExponentialDecayLearnerTruncatesDecaySteps(t *testing.T) {
	// 0.1 epochs of 156 steps is 15.6 steps
	schedule, err := ExponentialDecayLearner(64, 10000, 0.01, 0.1, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 15, schedule.(*ExponentialDecay).DecaySteps)

	_, err = ExponentialDecayLearner(64, 10000, 0.01, 0.001, 0.5)
	assert.Error(t, err)
}

func TestScheduleConfigBuild(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ScheduleConfig
		expected string
	}{
		{"piecewise", DefaultWarmupPiecewiseConfig(), "warmup_piecewise"},
		{"exponential", DefaultExponentialConfig(), "ExponentialDecay"},
		{"constant", ScheduleConfig{Kind: KindConstant, InitLR: 0.1}, "ConstantLR"},
		{"cosine", ScheduleConfig{Kind: KindCosine, BatchSize: 10, EpochSize: 100, InitLR: 0.1, Epochs: 10}, "CosineDecay"},
		{"cosine warm", ScheduleConfig{Kind: KindCosine, BatchSize: 10, EpochSize: 100, InitLR: 0.1, Epochs: 10, WarmupEpochs: 1}, "warmup_cosine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule, err := tt.cfg.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, schedule.GetName())
		})
	}
}

func TestScheduleConfigExponentialWithWarmup(t *testing.T) {
	cfg := DefaultExponentialConfig()
	cfg.WarmupEpochs = 1
	cfg.Staircase = true
	schedule, err := cfg.Build()
	require.NoError(t, err)

	assert.Equal(t, "warmup_exponential", schedule.GetName())
	assert.Equal(t, 0.0, schedule.LearningRate(0))
	// floored exponent: still the initial rate before the first decay
	assert.InDelta(t, 0.01, schedule.LearningRate(779), 1e-15)
	assert.InDelta(t, 0.01*0.97, schedule.LearningRate(780), 1e-15)
}

func TestScheduleConfigErrors(t *testing.T) {
	_, err := ScheduleConfig{Kind: "linear"}.Build()
	assert.Error(t, err)

	cfg := DefaultWarmupPiecewiseConfig()
	cfg.BatchSize = 0
	_, err = cfg.Build()
	assert.Error(t, err)

	_, err = ScheduleConfig{Kind: KindCosine, BatchSize: 10, EpochSize: 100, InitLR: 0.1}.Build()
	assert.Error(t, err)
}

func TestScheduleConfigJSON(t *testing.T) {
	raw := `{"kind": "warmup_piecewise", "batch_size": 128, "epoch_size": 50000,
		"init_lr": 0.1, "warmup_epochs": 2, "boundaries": [100, 150],
		"multipliers": [1, 0.1, 0.01]}`

	var cfg ScheduleConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))

	spe, err := cfg.StepsPerEpoch()
	require.NoError(t, err)
	assert.Equal(t, 390, spe)

	schedule, err := cfg.Build()
	require.NoError(t, err)
	assert.InDelta(t, 0.05, schedule.LearningRate(390), 1e-12)
	assert.InDelta(t, 0.1, schedule.LearningRate(39000), 1e-12)
	assert.InDelta(t, 0.01, schedule.LearningRate(39001), 1e-12)
}

func TestDefaultScheduleConfig(t *testing.T) {
	tests := []struct {
		kind   string
		warmup int
		lr0    float64
	}{
		{KindWarmupPiecewise, 5, 0},
		{"", 5, 0},
		{KindExponential, 0, 0.01},
		{KindCosine, 0, 0.01},
		{KindConstant, 0, 0.01},
	}

	for _, tt := range tests {
		cfg := DefaultScheduleConfig(tt.kind)
		assert.Equal(t, tt.warmup, cfg.WarmupEpochs, tt.kind)
		schedule, err := cfg.Build()
		require.NoError(t, err, tt.kind)
		assert.InDelta(t, tt.lr0, schedule.LearningRate(0), 1e-12, tt.kind)
	}

	_, err := DefaultScheduleConfig("plateau").Build()
	assert.Error(t, err)
}
