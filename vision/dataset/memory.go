package dataset

import (
	"fmt"

	"github.com/tsawler/go-superres/tensor"
)

// InMemory serves pairs that are already tensors.
type InMemory struct {
	inputs  []*tensor.Tensor
	targets []*tensor.Tensor
}

func NewInMemory(inputs, targets []*tensor.Tensor) (*InMemory, error) {
	if len(inputs) != len(targets) {
		return nil, fmt.Errorf("%d inputs but %d targets", len(inputs), len(targets))
	}
	return &InMemory{inputs: inputs, targets: targets}, nil
}

func (d *InMemory) Len() int {
	return len(d.inputs)
}

func (d *InMemory) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.inputs) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.inputs))
	}
	return d.inputs[index], d.targets[index], nil
}
