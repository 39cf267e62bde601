package optimizer

import (
	"sync"

	"github.com/tsawler/go-superres/tensor"
)

// SGDConfig holds the hyperparameters of stochastic gradient descent.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters []*tensor.Tensor
	config     SGDConfig
	step       uint64
	velocities map[*tensor.Tensor][]float32
	mutex      sync.RWMutex
}

func NewSGD(parameters []*tensor.Tensor, config SGDConfig) *SGD {
	return &SGD{
		parameters: parameters,
		config:     config,
		velocities: make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	if err := checkGradients(sgd.parameters); err != nil {
		return err
	}
	sgd.step++
	c := sgd.config

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad().Data

		var vel []float32
		fresh := false
		if c.Momentum > 0 {
			vel = sgd.velocities[param]
			if vel == nil {
				vel = make([]float32, param.NumElems)
				sgd.velocities[param] = vel
				fresh = true
			}
		}

		for i, p := range param.Data {
			g := float64(grad[i])
			if c.WeightDecay > 0 {
				g += c.WeightDecay * float64(p)
			}
			if vel != nil {
				// First step seeds the buffer with the raw gradient.
				var b float64
				if fresh {
					b = g
				} else {
					b = c.Momentum*float64(vel[i]) + g
				}
				vel[i] = float32(b)
				if c.Nesterov {
					g += c.Momentum * b
				} else {
					g = b
				}
			}
			param.Data[i] = float32(float64(p) - c.LearningRate*g)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

func (sgd *SGD) GetStepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.step
}

func (sgd *SGD) State() State {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	nesterov := 0.0
	if sgd.config.Nesterov {
		nesterov = 1
	}
	return State{
		Type:         "SGD",
		LearningRate: sgd.config.LearningRate,
		StepCount:    sgd.step,
		Parameters: map[string]float64{
			"momentum":     sgd.config.Momentum,
			"weight_decay": sgd.config.WeightDecay,
			"nesterov":     nesterov,
		},
	}
}
