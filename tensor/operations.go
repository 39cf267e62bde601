package tensor

import "fmt"

// Add returns the elementwise sum of two tensors of identical shape.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := CheckSameShape(t1, t2); err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	result, err := NewTensor(t1.Shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range result.Data {
		result.Data[i] = t1.Data[i] + t2.Data[i]
	}
	return result, nil
}

// Sub returns t1 - t2 elementwise.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := CheckSameShape(t1, t2); err != nil {
		return nil, fmt.Errorf("sub: %w", err)
	}
	result, err := NewTensor(t1.Shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range result.Data {
		result.Data[i] = t1.Data[i] - t2.Data[i]
	}
	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	result, err := NewTensor(t.Shape, nil)
	if err != nil {
		return nil, err
	}
	for i, v := range t.Data {
		if v > 0 {
			result.Data[i] = v
		}
	}
	return result, nil
}

// Scale multiplies every element by s into a new tensor.
func Scale(t *Tensor, s float32) *Tensor {
	result := t.Detach().Clone()
	for i := range result.Data {
		result.Data[i] *= s
	}
	return result
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if err := CheckSameShape(dst, src); err != nil {
		return fmt.Errorf("accumulate: %w", err)
	}
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
	return nil
}

// MeanSquaredError returns mean((pred-target)^2) accumulated in float64.
func MeanSquaredError(pred, target *Tensor) (float64, error) {
	if err := CheckSameShape(pred, target); err != nil {
		return 0, fmt.Errorf("mse: %w", err)
	}
	var sum float64
	for i := range pred.Data {
		d := float64(pred.Data[i]) - float64(target.Data[i])
		sum += d * d
	}
	return sum / float64(pred.NumElems), nil
}

// MSE is MeanSquaredError returned as a one-element tensor.
func MSE(pred, target *Tensor) (*Tensor, error) {
	mse, err := MeanSquaredError(pred, target)
	if err != nil {
		return nil, err
	}
	return NewTensor([]int{1}, []float32{float32(mse)})
}
