package training

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// LRSchedule maps a training step to a learning rate.
// All schedules are stateless: every call is evaluated independently
type LRSchedule interface {
	// LearningRate returns the learning rate for the given global step
	LearningRate(step int) float64

	// GetName returns the schedule name for logging
	GetName() string
}

// ScheduleFunc adapts a plain function to LRSchedule
type ScheduleFunc func(step int) float64

func (f ScheduleFunc) LearningRate(step int) float64 {
	return f(step)
}

func (f ScheduleFunc) GetName() string {
	return "Func"
}

// PiecewiseConstantDecay holds Values[i] between Boundaries[i-1] and
// Boundaries[i]. A step equal to a boundary still belongs to the range
// below it.
type PiecewiseConstantDecay struct {
	Boundaries []float64 // in steps, strictly increasing
	Values     []float64 // len(Boundaries)+1 rates
}

// NewPiecewiseConstantDecay creates a piecewise constant schedule
func NewPiecewiseConstantDecay(boundaries, values []float64) (*PiecewiseConstantDecay, error) {
	if len(values) != len(boundaries)+1 {
		return nil, errors.Errorf("piecewise decay needs len(boundaries)+1 values: %d boundaries, %d values", len(boundaries), len(values))
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, errors.Errorf("boundaries must be strictly increasing: %v", boundaries)
		}
	}
	return &PiecewiseConstantDecay{
		Boundaries: append([]float64(nil), boundaries...),
		Values:     append([]float64(nil), values...),
	}, nil
}

func (s *PiecewiseConstantDecay) LearningRate(step int) float64 {
	// First boundary >= step selects the range
	i := sort.SearchFloat64s(s.Boundaries, float64(step))
	return s.Values[i]
}

func (s *PiecewiseConstantDecay) GetName() string {
	return "PiecewiseConstantDecay"
}

// ExponentialDecay decays the learning rate by DecayRate every DecaySteps
// steps: InitialLR * DecayRate^(step/DecaySteps). With Staircase the
// exponent is floored, giving a step function; otherwise the decay is
// continuous.
type ExponentialDecay struct {
	InitialLR  float64
	DecaySteps int
	DecayRate  float64
	Staircase  bool
}

// NewExponentialDecay creates an exponential decay schedule
func NewExponentialDecay(initialLR float64, decaySteps int, decayRate float64, staircase bool) (*ExponentialDecay, error) {
	if decaySteps <= 0 {
		return nil, errors.Errorf("decay steps must be positive, got %d", decaySteps)
	}
	return &ExponentialDecay{
		InitialLR:  initialLR,
		DecaySteps: decaySteps,
		DecayRate:  decayRate,
		Staircase:  staircase,
	}, nil
}

func (s *ExponentialDecay) LearningRate(step int) float64 {
	p := float64(step) / float64(s.DecaySteps)
	if s.Staircase {
		p = math.Floor(p)
	}
	return s.InitialLR * math.Pow(s.DecayRate, p)
}

func (s *ExponentialDecay) GetName() string {
	return "ExponentialDecay"
}

// CosineDecay implements cosine annealing from InitialLR down to EtaMin
// over DecaySteps steps, holding EtaMin afterwards
type CosineDecay struct {
	InitialLR  float64
	DecaySteps int
	EtaMin     float64
}

// NewCosineDecay creates a cosine annealing schedule
func NewCosineDecay(initialLR float64, decaySteps int, etaMin float64) (*CosineDecay, error) {
	if decaySteps <= 0 {
		return nil, errors.Errorf("decay steps must be positive, got %d", decaySteps)
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineDecay{
		InitialLR:  initialLR,
		DecaySteps: decaySteps,
		EtaMin:     etaMin,
	}, nil
}

func (s *CosineDecay) LearningRate(step int) float64 {
	if step >= s.DecaySteps {
		return s.EtaMin
	}
	return s.EtaMin + (s.InitialLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.DecaySteps)))/2
}

func (s *CosineDecay) GetName() string {
	return "CosineDecay"
}

// ConstantSchedule keeps the learning rate fixed
type ConstantSchedule struct {
	LR float64
}

func (s ConstantSchedule) LearningRate(step int) float64 {
	return s.LR
}

func (s ConstantSchedule) GetName() string {
	return "ConstantLR"
}

// WarmUp ramps the learning rate polynomially from 0 to InitialLR over
// WarmupSteps, then hands over to Decay. The branch is chosen per call from
// the step alone.
type WarmUp struct {
	InitialLR   float64
	Decay       LRSchedule
	WarmupSteps int
	Power       float64
	Name        string
}

// NewWarmUp wraps decay with a warm-up phase ramping as
// (step/warmupSteps)^power. power 1 is linear and power 0 holds initialLR.
func NewWarmUp(initialLR float64, decay LRSchedule, warmupSteps int, power float64, name string) (*WarmUp, error) {
	if decay == nil {
		return nil, errors.New("warm-up requires a decay schedule")
	}
	if warmupSteps <= 0 {
		return nil, errors.Errorf("warm-up steps must be positive, got %d", warmupSteps)
	}
	if power < 0 {
		return nil, errors.Errorf("warm-up power cannot be negative, got %g", power)
	}
	return &WarmUp{
		InitialLR:   initialLR,
		Decay:       decay,
		WarmupSteps: warmupSteps,
		Power:       power,
		Name:        name,
	}, nil
}

func (s *WarmUp) LearningRate(step int) float64 {
	if step < s.WarmupSteps {
		done := float64(step) / float64(s.WarmupSteps)
		return s.InitialLR * math.Pow(done, s.Power)
	}
	return s.Decay.LearningRate(step)
}

func (s *WarmUp) GetName() string {
	if s.Name != "" {
		return s.Name
	}
	return "WarmUp"
}
