package training

import (
	"math"

	"github.com/tsawler/go-superres/tensor"
)

// MinMSE floors the error used by PSNR, capping the score at 100 dB for a
// perfect reconstruction.
const MinMSE = 1e-10

// MeanSquaredError is the pixel-wise loss between tensors of identical shape.
func MeanSquaredError(pred, target *tensor.Tensor) (float64, error) {
	return tensor.MeanSquaredError(pred, target)
}

// MSELoss returns the mean squared error as a scalar connected to pred's
// graph, ready for Backward.
func MSELoss(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MSEAutograd(pred, target)
}

// PSNR converts a mean squared error over [0,1] intensities to decibels.
func PSNR(mse float64) float64 {
	if mse < MinMSE {
		mse = MinMSE
	}
	return 10 * math.Log10(1/mse)
}

// RunningAverage is the arithmetic mean of the values added so far. Every
// value weighs the same regardless of how many samples produced it.
type RunningAverage struct {
	sum   float64
	count int
}

func (r *RunningAverage) Add(v float64) {
	r.sum += v
	r.count++
}

// Mean returns 0 before any value was added.
func (r *RunningAverage) Mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

func (r *RunningAverage) Count() int {
	return r.count
}

func (r *RunningAverage) Reset() {
	r.sum, r.count = 0, 0
}
