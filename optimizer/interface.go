// Package optimizer updates model parameters from their accumulated gradients.
package optimizer

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-superres/tensor"
)

// ErrNonFiniteGradient is returned by Step when a gradient holds NaN or Inf.
// No parameter is modified in that case.
var ErrNonFiniteGradient = errors.New("optimizer: non-finite gradient")

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	Step() error      // Updates parameters from their gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	GetStepCount() uint64
	State() State
}

// State summarises an optimizer for checkpoint metadata. Moment buffers are
// not included, so a resumed run starts with fresh moments.
type State struct {
	Type         string             `json:"type"`
	LearningRate float64            `json:"learning_rate"`
	StepCount    uint64             `json:"step_count"`
	Parameters   map[string]float64 `json:"parameters"`
}

func checkGradients(params []*tensor.Tensor) error {
	for i, p := range params {
		if g := p.Grad(); p.RequiresGrad() && g != nil && !g.IsFinite() {
			return fmt.Errorf("%w: parameter %d %v", ErrNonFiniteGradient, i, p.Shape)
		}
	}
	return nil
}
