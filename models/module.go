package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-superres/layers"
	"github.com/tsawler/go-superres/tensor"
)

// Conv2D is a square-kernel convolution with optional bias. In training mode
// it records the autograd graph; in eval mode it runs the plain kernel.
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	params   tensor.Conv2DParams
	training bool
}

// NewConv2D creates a convolution initialised according to init using rng.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, init string, workers int, rng *rand.Rand) (*Conv2D, error) {
	weightShape := []int{outputChannels, inputChannels, kernelSize, kernelSize}

	var weight *tensor.Tensor
	var err error
	switch init {
	case layers.InitHeNormal, "":
		// N(0, sqrt(2/n)) with n = k*k*out_channels
		std := math.Sqrt(2.0 / float64(kernelSize*kernelSize*outputChannels))
		weight, err = tensor.RandomNormal(weightShape, 0, std, rng)
	case layers.InitXavierUniform:
		fanIn := inputChannels * kernelSize * kernelSize
		fanOut := outputChannels * kernelSize * kernelSize
		bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
		weight, err = tensor.RandomUniform(weightShape, -bound, bound, rng)
	default:
		return nil, fmt.Errorf("unknown weight initialisation %q", init)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	var b *tensor.Tensor
	if bias {
		b, err = tensor.Zeros([]int{outputChannels})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return newConv2DFromTensors(weight, b, stride, padding, workers), nil
}

func newConv2DFromTensors(weight, bias *tensor.Tensor, stride, padding, workers int) *Conv2D {
	weight.SetRequiresGrad(true)
	if bias != nil {
		bias.SetRequiresGrad(true)
	}
	return &Conv2D{
		weight:   weight,
		bias:     bias,
		params:   tensor.Conv2DParams{Stride: stride, Padding: padding, Workers: workers},
		training: true,
	}
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if c.training {
		return tensor.Conv2DAutograd(input, c.weight, c.bias, c.params)
	}
	return tensor.Conv2D(input, c.weight, c.bias, c.params)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	if c.bias != nil {
		return []*tensor.Tensor{c.weight, c.bias}
	}
	return []*tensor.Tensor{c.weight}
}

func (c *Conv2D) Train() {
	c.training = true
}

func (c *Conv2D) Eval() {
	c.training = false
}

func (c *Conv2D) IsTraining() bool {
	return c.training
}

// ReLU applies max(x, 0).
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if r.training {
		return tensor.ReLUAutograd(input)
	}
	return tensor.ReLU(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor {
	return nil
}

func (r *ReLU) Train() {
	r.training = true
}

func (r *ReLU) Eval() {
	r.training = false
}

func (r *ReLU) IsTraining() bool {
	return r.training
}

// Residual adds the activation of an earlier stage (or the network input) to
// its input. The network resolves the source before calling Add.
type Residual struct {
	Source   int
	training bool
}

func NewResidual(source int) *Residual {
	return &Residual{Source: source, training: true}
}

// Forward is the identity: a residual needs its source, see Add.
func (r *Residual) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return input, nil
}

// Add sums input and skip.
func (r *Residual) Add(input, skip *tensor.Tensor) (*tensor.Tensor, error) {
	if r.training {
		return tensor.AddAutograd(input, skip)
	}
	return tensor.Add(input, skip)
}

func (r *Residual) Parameters() []*tensor.Tensor {
	return nil
}

func (r *Residual) Train() {
	r.training = true
}

func (r *Residual) Eval() {
	r.training = false
}

func (r *Residual) IsTraining() bool {
	return r.training
}
