package layers

import (
	"gonum.org/v1/gonum/floats"
)

// L2 is a kernel regularizer adding Strength * sum(w^2) to the loss
type L2 struct {
	Strength float64 `json:"strength"`
}

// Penalty returns the regularization term for a flattened kernel
func (r L2) Penalty(weights []float64) float64 {
	if r.Strength == 0 || len(weights) == 0 {
		return 0
	}
	return r.Strength * floats.Dot(weights, weights)
}
