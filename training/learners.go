package training

import (
	"github.com/pkg/errors"
)

// Schedule kinds accepted by ScheduleConfig
const (
	KindWarmupPiecewise = "warmup_piecewise"
	KindExponential     = "exponential"
	KindCosine          = "cosine"
	KindConstant        = "constant"
)

// StepsPerEpoch returns epochSize / batchSize using integer division.
// An epoch shorter than one batch is rejected since every epoch-based
// boundary would collapse onto step 0.
func StepsPerEpoch(batchSize, epochSize int) (int, error) {
	if batchSize <= 0 {
		return 0, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if epochSize < 0 {
		return 0, errors.Errorf("epoch size cannot be negative, got %d", epochSize)
	}
	spe := epochSize / batchSize
	if spe == 0 {
		return 0, errors.Errorf("epoch of %d examples is smaller than batch size %d", epochSize, batchSize)
	}
	return spe, nil
}

// WarmupThenPiecewise builds a piecewise constant schedule whose boundaries
// are given in epochs and whose rates are initLR*multipliers[i]. With
// warmupEpochs > 0 it is wrapped in a linear warm-up lasting that many
// epochs.
func WarmupThenPiecewise(batchSize, epochSize int, initLR float64, warmupEpochs int, boundaries, multipliers []float64) (LRSchedule, error) {
	spe, err := StepsPerEpoch(batchSize, epochSize)
	if err != nil {
		return nil, errors.Wrap(err, "warmup piecewise schedule")
	}

	stepBoundaries := make([]float64, len(boundaries))
	for i, b := range boundaries {
		stepBoundaries[i] = float64(spe) * b
	}
	rates := make([]float64, len(multipliers))
	for i, m := range multipliers {
		rates[i] = initLR * m
	}

	decay, err := NewPiecewiseConstantDecay(stepBoundaries, rates)
	if err != nil {
		return nil, errors.Wrap(err, "warmup piecewise schedule")
	}
	if warmupEpochs <= 0 {
		return decay, nil
	}
	return withWarmUp(initLR, decay, warmupEpochs*spe, "warmup_piecewise")
}

// ExponentialDecayLearner builds a continuous exponential decay that shrinks
// the rate by decayRate every decayEpochs epochs. No warm-up is applied.
func ExponentialDecayLearner(batchSize, epochSize int, initLR, decayEpochs, decayRate float64) (LRSchedule, error) {
	return exponentialLearner(batchSize, epochSize, initLR, 0, decayEpochs, decayRate, false)
}

func exponentialLearner(batchSize, epochSize int, initLR float64, warmupEpochs int, decayEpochs, decayRate float64, staircase bool) (LRSchedule, error) {
	spe, err := StepsPerEpoch(batchSize, epochSize)
	if err != nil {
		return nil, errors.Wrap(err, "exponential schedule")
	}

	// Truncated like the epoch-to-step conversion of the boundaries
	decaySteps := int(decayEpochs * float64(spe))
	decay, err := NewExponentialDecay(initLR, decaySteps, decayRate, staircase)
	if err != nil {
		return nil, errors.Wrap(err, "exponential schedule")
	}
	if warmupEpochs <= 0 {
		return decay, nil
	}
	return withWarmUp(initLR, decay, warmupEpochs*spe, "warmup_exponential")
}

// withWarmUp wraps decay in a linear warm-up, keeping a nil interface on error
func withWarmUp(initLR float64, decay LRSchedule, warmupSteps int, name string) (LRSchedule, error) {
	w, err := NewWarmUp(initLR, decay, warmupSteps, 1.0, name)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ScheduleConfig is the serializable description of a learning-rate
// schedule. Fields unused by Kind are ignored.
type ScheduleConfig struct {
	Kind string `json:"kind"`

	BatchSize    int     `json:"batch_size"`
	EpochSize    int     `json:"epoch_size"`
	InitLR       float64 `json:"init_lr"`
	WarmupEpochs int     `json:"warmup_epochs"`

	// warmup_piecewise
	Boundaries  []float64 `json:"boundaries,omitempty"`
	Multipliers []float64 `json:"multipliers,omitempty"`

	// exponential
	DecayEpochs float64 `json:"decay_epochs,omitempty"`
	DecayRate   float64 `json:"decay_rate,omitempty"`
	Staircase   bool    `json:"staircase,omitempty"`

	// cosine
	Epochs int     `json:"epochs,omitempty"`
	EtaMin float64 `json:"eta_min,omitempty"`
}

// DefaultWarmupPiecewiseConfig returns batch 64, 10000 examples per epoch,
// rate 0.01, 5 warm-up epochs, and decades at epochs 30, 60 and 80
func DefaultWarmupPiecewiseConfig() ScheduleConfig {
	return ScheduleConfig{
		Kind:         KindWarmupPiecewise,
		BatchSize:    64,
		EpochSize:    10000,
		InitLR:       0.01,
		WarmupEpochs: 5,
		Boundaries:   []float64{30, 60, 80},
		Multipliers:  []float64{1, 0.1, 0.01, 0.001},
	}
}

// DefaultExponentialConfig returns batch 64, 10000 examples per epoch,
// rate 0.01 and a 0.97 decay every 5 epochs
func DefaultExponentialConfig() ScheduleConfig {
	return ScheduleConfig{
		Kind:        KindExponential,
		BatchSize:   64,
		EpochSize:   10000,
		InitLR:      0.01,
		DecayEpochs: 5,
		DecayRate:   0.97,
	}
}

// DefaultScheduleConfig returns the defaults of kind. Only the piecewise
// schedule warms up by default. Unknown kinds get the piecewise defaults
// with kind kept, so Build reports them.
func DefaultScheduleConfig(kind string) ScheduleConfig {
	switch kind {
	case KindWarmupPiecewise, "":
		return DefaultWarmupPiecewiseConfig()
	case KindExponential:
		return DefaultExponentialConfig()
	case KindCosine:
		return ScheduleConfig{Kind: KindCosine, BatchSize: 64, EpochSize: 10000, InitLR: 0.01, Epochs: 100}
	case KindConstant:
		return ScheduleConfig{Kind: KindConstant, BatchSize: 64, EpochSize: 10000, InitLR: 0.01}
	}
	c := DefaultWarmupPiecewiseConfig()
	c.Kind = kind
	return c
}

// StepsPerEpoch derives the steps per epoch of the configuration
func (c ScheduleConfig) StepsPerEpoch() (int, error) {
	return StepsPerEpoch(c.BatchSize, c.EpochSize)
}

// Build creates the schedule described by the configuration
func (c ScheduleConfig) Build() (LRSchedule, error) {
	switch c.Kind {
	case KindWarmupPiecewise, "":
		return WarmupThenPiecewise(c.BatchSize, c.EpochSize, c.InitLR, c.WarmupEpochs, c.Boundaries, c.Multipliers)
	case KindExponential:
		return exponentialLearner(c.BatchSize, c.EpochSize, c.InitLR, c.WarmupEpochs, c.DecayEpochs, c.DecayRate, c.Staircase)
	case KindCosine:
		spe, err := c.StepsPerEpoch()
		if err != nil {
			return nil, errors.Wrap(err, "cosine schedule")
		}
		decay, err := NewCosineDecay(c.InitLR, c.Epochs*spe, c.EtaMin)
		if err != nil {
			return nil, errors.Wrap(err, "cosine schedule")
		}
		if c.WarmupEpochs <= 0 {
			return decay, nil
		}
		return withWarmUp(c.InitLR, decay, c.WarmupEpochs*spe, "warmup_cosine")
	case KindConstant:
		return ConstantSchedule{LR: c.InitLR}, nil
	}
	return nil, errors.Errorf("unknown schedule kind %q", c.Kind)
}
