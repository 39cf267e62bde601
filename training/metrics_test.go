package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-superres/tensor"
)

func TestPSNR(t *testing.T) {
	tests := []struct {
		mse      float64
		expected float64
	}{
		{1, 0},
		{0.1, 10},
		{0.01, 20},
		{1e-4, 40},
		{0, 100},
		{1e-12, 100},
	}
	for _, test := range tests {
		if got := PSNR(test.mse); math.Abs(got-test.expected) > 1e-9 {
			t.Errorf("PSNR(%g) = %v, expected %v", test.mse, got, test.expected)
		}
	}
}

func TestPSNRIsDecreasing(t *testing.T) {
	prev := math.Inf(1)
	for mse := 1e-9; mse < 10; mse *= 1.7 {
		got := PSNR(mse)
		if math.IsInf(got, 0) || math.IsNaN(got) {
			t.Fatalf("PSNR(%g) = %v", mse, got)
		}
		if got >= prev {
			t.Errorf("PSNR(%g) = %v is not below %v", mse, got, prev)
		}
		prev = got
	}
}

func TestMeanSquaredError(t *testing.T) {
	a, _ := tensor.NewTensor([]int{1, 1, 2, 2}, []float32{0, 0.5, 1, 1})
	b, _ := tensor.NewTensor([]int{1, 1, 2, 2}, []float32{0, 0, 1, 0})
	mse, err := MeanSquaredError(a, b)
	if err != nil {
		t.Fatalf("MeanSquaredError failed: %v", err)
	}
	if math.Abs(mse-0.3125) > 1e-9 {
		t.Errorf("MeanSquaredError = %v, expected 0.3125", mse)
	}

	c, _ := tensor.Zeros([]int{1, 1, 2, 3})
	if _, err := MeanSquaredError(a, c); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestMSELossIsDifferentiable(t *testing.T) {
	pred, _ := tensor.NewTensor([]int{2}, []float32{1, 3})
	pred.SetRequiresGrad(true)
	target, _ := tensor.NewTensor([]int{2}, []float32{0, 0})

	loss, err := MSELoss(pred, target)
	if err != nil {
		t.Fatalf("MSELoss failed: %v", err)
	}
	if loss.Data[0] != 5 {
		t.Errorf("loss = %v, expected 5", loss.Data[0])
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if g := pred.Grad().Data; g[0] != 1 || g[1] != 3 {
		t.Errorf("grad = %v, expected [1 3]", g)
	}
}

func TestRunningAverage(t *testing.T) {
	var avg RunningAverage
	if avg.Mean() != 0 {
		t.Errorf("empty Mean() = %v, expected 0", avg.Mean())
	}
	for _, v := range []float64{10, 20, 60} {
		avg.Add(v)
	}
	if avg.Mean() != 30 || avg.Count() != 3 {
		t.Errorf("Mean() = %v, Count() = %d", avg.Mean(), avg.Count())
	}
	avg.Reset()
	if avg.Count() != 0 || avg.Mean() != 0 {
		t.Error("Reset did not clear the average")
	}
}
