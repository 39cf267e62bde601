package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestAutogradBasicOperations(t *testing.T) {
	t.Run("Addition forward", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
		b, _ := NewTensor([]int{2, 2}, []float32{5, 6, 7, 8})
		a.SetRequiresGrad(true)

		result, err := AddAutograd(a, b)
		if err != nil {
			t.Fatalf("AddAutograd failed: %v", err)
		}
		if !result.RequiresGrad() {
			t.Error("Result should require gradients")
		}
		if result.Creator() == nil {
			t.Error("Result should record its creator")
		}

		expected := []float32{6, 8, 10, 12}
		if !reflect.DeepEqual(result.Data, expected) {
			t.Errorf("Expected %v, got %v", expected, result.Data)
		}
	})

	t.Run("No recording without gradients", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, []float32{-1, 1})
		result, err := ReLUAutograd(a)
		if err != nil {
			t.Fatalf("ReLUAutograd failed: %v", err)
		}
		if result.RequiresGrad() || result.Creator() != nil {
			t.Error("Result of untracked inputs should not join a graph")
		}
	})
}

func TestBackwardRequiresScalar(t *testing.T) {
	a, _ := NewTensor([]int{2}, []float32{1, 2})
	a.SetRequiresGrad(true)
	r, _ := ReLUAutograd(a)
	if err := r.Backward(); err == nil {
		t.Error("expected error for non-scalar backward")
	}

	c, _ := NewTensor([]int{1}, []float32{1})
	if err := c.Backward(); err == nil {
		t.Error("expected error for tensor without gradients")
	}
}

func TestReLUAndAddGradients(t *testing.T) {
	x, _ := NewTensor([]int{4}, []float32{-0.5, 0.5, 1.5, -2})
	x.SetRequiresGrad(true)
	target, _ := Zeros([]int{4})

	r, err := ReLUAutograd(x)
	if err != nil {
		t.Fatalf("ReLUAutograd failed: %v", err)
	}
	// x is used twice, so its gradient accumulates both paths.
	sum, err := AddAutograd(r, x)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}
	loss, err := MSEAutograd(sum, target)
	if err != nil {
		t.Fatalf("MSEAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d/dx mean((relu(x)+x)^2) = 2*(relu(x)+x)*(relu'(x)+1)/4
	expected := []float32{
		2 * (-0.5) * 1 / 4,
		2 * 1.0 * 2 / 4,
		2 * 3.0 * 2 / 4,
		2 * (-2) * 1 / 4,
	}
	for i, g := range x.Grad().Data {
		if math.Abs(float64(g-expected[i])) > 1e-6 {
			t.Errorf("grad[%d] = %f, expected %f", i, g, expected[i])
		}
	}
}

func TestGradientsAccumulateAcrossBackwardCalls(t *testing.T) {
	x, _ := NewTensor([]int{1}, []float32{2})
	x.SetRequiresGrad(true)
	target, _ := Zeros([]int{1})

	for i := 0; i < 2; i++ {
		loss, _ := MSEAutograd(x, target)
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}
	if got := x.Grad().Data[0]; got != 8 {
		t.Errorf("accumulated grad = %f, expected 8", got)
	}
}

type convCase struct {
	name   string
	input  []int
	weight []int
	bias   bool
	params Conv2DParams
}

func randomTensor(t *testing.T, shape []int, rng *rand.Rand) *Tensor {
	t.Helper()
	r, err := RandomNormal(shape, 0, 0.5, rng)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	return r
}

func TestConv2DGradientsMatchFiniteDifferences(t *testing.T) {
	tests := []convCase{
		{"padded", []int{2, 2, 5, 5}, []int{3, 2, 3, 3}, true, Conv2DParams{Stride: 1, Padding: 1, Workers: 2}},
		{"strided", []int{1, 1, 6, 6}, []int{2, 1, 3, 3}, true, Conv2DParams{Stride: 2, Padding: 0, Workers: 1}},
		{"no bias", []int{3, 1, 4, 4}, []int{1, 1, 5, 5}, false, Conv2DParams{Stride: 1, Padding: 2, Workers: 0}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			x := randomTensor(t, test.input, rng)
			w := randomTensor(t, test.weight, rng)
			var b *Tensor
			if test.bias {
				b = randomTensor(t, []int{test.weight[0]}, rng)
				b.SetRequiresGrad(true)
			}
			x.SetRequiresGrad(true)
			w.SetRequiresGrad(true)

			hOut := Conv2DOutputSize(test.input[2], test.weight[2], test.params.Stride, test.params.Padding)
			wOut := Conv2DOutputSize(test.input[3], test.weight[3], test.params.Stride, test.params.Padding)
			target := randomTensor(t, []int{test.input[0], test.weight[0], hOut, wOut}, rng)

			out, err := Conv2DAutograd(x, w, b, test.params)
			if err != nil {
				t.Fatalf("Conv2DAutograd failed: %v", err)
			}
			loss, err := MSEAutograd(out, target)
			if err != nil {
				t.Fatalf("MSEAutograd failed: %v", err)
			}
			if err := loss.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}

			lossFn := func() float64 {
				o, err := Conv2D(x, w, b, test.params)
				if err != nil {
					t.Fatalf("Conv2D failed: %v", err)
				}
				mse, err := MeanSquaredError(o, target)
				if err != nil {
					t.Fatalf("MeanSquaredError failed: %v", err)
				}
				return mse
			}

			params := map[string]*Tensor{"input": x, "weight": w}
			if b != nil {
				params["bias"] = b
			}
			for name, p := range params {
				checkFiniteDifference(t, name, p, lossFn)
			}
		})
	}
}

func checkFiniteDifference(t *testing.T, name string, p *Tensor, lossFn func() float64) {
	t.Helper()
	const eps = 1e-2
	if p.Grad() == nil {
		t.Fatalf("%s has no gradient", name)
	}
	for i := range p.Data {
		orig := p.Data[i]
		p.Data[i] = orig + eps
		plus := lossFn()
		p.Data[i] = orig - eps
		minus := lossFn()
		p.Data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		analytic := float64(p.Grad().Data[i])
		if math.Abs(numeric-analytic) > 1e-3+1e-2*math.Abs(analytic) {
			t.Errorf("%s[%d]: analytic %f, numeric %f", name, i, analytic, numeric)
		}
	}
}
