package optimizer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-superres/tensor"
)

// quadraticStep computes mean((p - target)^2) and its gradient into p.
func quadraticStep(t *testing.T, p, target *tensor.Tensor) float64 {
	t.Helper()
	loss, err := tensor.MSEAutograd(p, target)
	if err != nil {
		t.Fatalf("MSEAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	return float64(loss.Data[0])
}

func TestAdamFirstStep(t *testing.T) {
	p, _ := tensor.NewTensor([]int{2}, []float32{1, -1})
	p.SetRequiresGrad(true)
	target, _ := tensor.Zeros([]int{2})

	adam := NewAdam([]*tensor.Tensor{p}, DefaultAdamConfig(0.1))
	quadraticStep(t, p, target)
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// The first bias-corrected Adam step moves each weight by lr*sign(grad).
	expected := []float32{0.9, -0.9}
	for i, v := range p.Data {
		if math.Abs(float64(v-expected[i])) > 1e-5 {
			t.Errorf("p[%d] = %f, expected %f", i, v, expected[i])
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("GetStepCount() = %d, expected 1", adam.GetStepCount())
	}
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p, _ := tensor.RandomNormal([]int{16}, 0, 1, rng)
	p.SetRequiresGrad(true)
	target, _ := tensor.RandomNormal([]int{16}, 0, 1, rng)

	adam := NewAdam([]*tensor.Tensor{p}, DefaultAdamConfig(0.05))
	first := -1.0
	var last float64
	for i := 0; i < 300; i++ {
		adam.ZeroGrad()
		last = quadraticStep(t, p, target)
		if first < 0 {
			first = last
		}
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if last > first*0.01 {
		t.Errorf("loss went from %f to %f, expected a 100x reduction", first, last)
	}
}

func TestAdamLearningRate(t *testing.T) {
	adam := NewAdam(nil, DefaultAdamConfig(0.002))
	if adam.GetLR() != 0.002 {
		t.Errorf("GetLR() = %f", adam.GetLR())
	}
	adam.SetLR(0.001)
	if adam.GetLR() != 0.001 {
		t.Errorf("GetLR() after SetLR = %f", adam.GetLR())
	}
	state := adam.State()
	if state.Type != "Adam" || state.LearningRate != 0.001 || state.Parameters["beta2"] != 0.999 {
		t.Errorf("State() = %+v", state)
	}
}

func TestAdamRejectsNonFiniteGradient(t *testing.T) {
	p, _ := tensor.NewTensor([]int{2}, []float32{1, 1})
	p.SetRequiresGrad(true)
	target, _ := tensor.NewTensor([]int{2}, []float32{float32(math.NaN()), 0})

	adam := NewAdam([]*tensor.Tensor{p}, DefaultAdamConfig(0.1))
	quadraticStep(t, p, target)
	err := adam.Step()
	if !errors.Is(err, ErrNonFiniteGradient) {
		t.Fatalf("expected ErrNonFiniteGradient, got %v", err)
	}
	if p.Data[0] != 1 || p.Data[1] != 1 {
		t.Errorf("parameters changed on a rejected step: %v", p.Data)
	}
	if adam.GetStepCount() != 0 {
		t.Errorf("step counter advanced on a rejected step")
	}
}

func TestZeroGradClearsGradients(t *testing.T) {
	p, _ := tensor.NewTensor([]int{1}, []float32{3})
	p.SetRequiresGrad(true)
	target, _ := tensor.Zeros([]int{1})
	quadraticStep(t, p, target)

	adam := NewAdam([]*tensor.Tensor{p}, DefaultAdamConfig(0.1))
	adam.ZeroGrad()
	if p.Grad().Data[0] != 0 {
		t.Errorf("grad = %f after ZeroGrad", p.Grad().Data[0])
	}
}
