package tensor

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned whenever two tensors that must share a shape do not,
// or when a tensor has a rank an operation cannot handle.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

type DeviceType int

const (
	CPU DeviceType = iota
	CUDA
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	default:
		return "Unknown"
	}
}

// Operation is a node of the autograd graph. Inputs returns the tensors the
// operation consumed, in the same order as the gradients returned by Backward.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// Tensor is a dense row-major float32 tensor held in host memory.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       DeviceType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)",
		t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced t, or nil for leaves and for
// tensors computed outside of a recorded graph.
func (t *Tensor) Creator() Operation {
	return t.creator
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// ShapesEqual reports whether two shapes have the same rank and extents.
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CheckSameShape returns an error wrapping ErrShapeMismatch when a and b differ in shape.
func CheckSameShape(a, b *Tensor) error {
	if !ShapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}
