package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view of t with a new shape. The data slice is shared and
// the view stays connected to t's graph. A single -1 dimension is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1

	for i, dim := range shape {
		if dim < 0 {
			if dim != -1 {
				return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
			}
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		} else if dim == 0 {
			return nil, fmt.Errorf("dimension %d cannot be 0", i)
		} else {
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("%w: cannot reshape tensor of size %d into shape %v", ErrShapeMismatch, t.NumElems, shape)
	}

	result := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
	return record(result, &reshapeOp{inputs: []*Tensor{t}}, t), nil
}

// Clone deep-copies shape and data. Gradients and graph links are not copied.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		Shape:        make([]int, len(t.Shape)),
		Strides:      make([]int, len(t.Strides)),
		Device:       t.Device,
		Data:         make([]float32, len(t.Data)),
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)
	copy(clone.Data, t.Data)
	return clone
}

// Detach returns a tensor sharing t's data but cut from the autograd graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() can only be called on single-element tensors, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("number of indices (%d) does not match tensor dimensions (%d)", len(indices), len(t.Shape))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

// AllClose reports whether both tensors share a shape and every element pair
// differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !ShapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i])-float64(other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// IsFinite reports whether no element is NaN or infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// ToDevice returns t placed on the requested device. Host tensors are the only
// storage this package implements, so CPU is the identity and anything else fails.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if device == t.Device {
		return t, nil
	}
	if device == CPU {
		clone := t.Clone()
		clone.Device = CPU
		return clone, nil
	}
	return nil, fmt.Errorf("no kernels available for device %s", device)
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, data=[", t.Shape))

	limit := t.NumElems
	if maxElements > 0 && maxElements < limit {
		limit = maxElements
	}
	for i := 0; i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if limit < t.NumElems {
		sb.WriteString(", ...")
	}
	sb.WriteString("])")
	return sb.String()
}

// ZeroGrad clears accumulated gradients of every tensor in tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.requiresGrad && t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}
