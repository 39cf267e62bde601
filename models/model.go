// Package models holds the super-resolution networks the trainer can drive and
// the contract the trainer drives them through.
package models

import (
	"github.com/tsawler/go-superres/layers"
	"github.com/tsawler/go-superres/tensor"
)

// Model is the capability a trainer needs from an architecture: forward
// inference, an enumerable parameter set, a train/eval toggle and a
// serializable topology.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // trainable tensors, in ModelSpec.ParameterShapes order
	Train()
	Eval()
	IsTraining() bool
	Name() string
	Spec() *layers.ModelSpec
}

// Module is a single network stage.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}
