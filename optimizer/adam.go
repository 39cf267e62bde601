package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-superres/tensor"
)

// AdamConfig holds the hyperparameters of Adam.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the usual Adam defaults with the given step size.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters []*tensor.Tensor
	config     AdamConfig
	step       uint64
	m          map[*tensor.Tensor][]float32 // First moment estimates
	v          map[*tensor.Tensor][]float32 // Second moment estimates
	mutex      sync.RWMutex
}

func NewAdam(parameters []*tensor.Tensor, config AdamConfig) *Adam {
	adam := &Adam{
		parameters: parameters,
		config:     config,
		m:          make(map[*tensor.Tensor][]float32),
		v:          make(map[*tensor.Tensor][]float32),
	}
	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float32, param.NumElems)
			adam.v[param] = make([]float32, param.NumElems)
		}
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if err := checkGradients(adam.parameters); err != nil {
		return err
	}

	adam.step++
	c := adam.config

	// Bias correction factors
	bias1 := 1.0 - math.Pow(c.Beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(c.Beta2, float64(adam.step))
	stepSize := c.LearningRate / bias1
	bias2Sqrt := math.Sqrt(bias2)

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad().Data
		m, v := adam.m[param], adam.v[param]
		if m == nil {
			m = make([]float32, param.NumElems)
			v = make([]float32, param.NumElems)
			adam.m[param], adam.v[param] = m, v
		}

		for i, p := range param.Data {
			g := float64(grad[i])
			if c.WeightDecay > 0 {
				g += c.WeightDecay * float64(p)
			}
			mi := c.Beta1*float64(m[i]) + (1-c.Beta1)*g
			vi := c.Beta2*float64(v[i]) + (1-c.Beta2)*g*g
			m[i], v[i] = float32(mi), float32(vi)

			denom := math.Sqrt(vi)/bias2Sqrt + c.Epsilon
			param.Data[i] = float32(float64(p) - stepSize*mi/denom)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

func (adam *Adam) GetStepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

func (adam *Adam) State() State {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return State{
		Type:         "Adam",
		LearningRate: adam.config.LearningRate,
		StepCount:    adam.step,
		Parameters: map[string]float64{
			"beta1":        adam.config.Beta1,
			"beta2":        adam.config.Beta2,
			"epsilon":      adam.config.Epsilon,
			"weight_decay": adam.config.WeightDecay,
		},
	}
}
