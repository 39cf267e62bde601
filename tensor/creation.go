package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeroed storage. The slice is not copied.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// RandomNormal fills a tensor from N(mean, std) using the caller's generator,
// so that initialization is reproducible from a seed.
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()*std + mean)
	}
	return t, nil
}

// RandomUniform fills a tensor from U(low, high) using the caller's generator.
func RandomUniform(shape []int, low, high float64, rng *rand.Rand) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(low + rng.Float64()*(high-low))
	}
	return t, nil
}
