package tensor

import "fmt"

// Backward propagates gradients from a scalar tensor through the recorded
// graph. Gradients accumulate into every reachable tensor that requires them
// until cleared with ZeroGrad.
func (t *Tensor) Backward() error {
	if !t.requiresGrad {
		return fmt.Errorf("backward: tensor does not require gradients")
	}
	if t.NumElems != 1 {
		return fmt.Errorf("backward: gradient can only be implicitly created for scalar outputs, got shape %v", t.Shape)
	}

	seed, err := Ones(t.Shape)
	if err != nil {
		return err
	}
	t.grad = seed

	order := topologicalOrder(t)
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		grads, err := node.creator.Backward(node.grad)
		if err != nil {
			return fmt.Errorf("backward: %w", err)
		}
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("backward: operation returned %d gradients for %d inputs", len(grads), len(inputs))
		}
		for j, in := range inputs {
			if in == nil || !in.requiresGrad || grads[j] == nil {
				continue
			}
			if err := accumulateGrad(in, grads[j]); err != nil {
				return fmt.Errorf("backward: %w", err)
			}
		}
	}
	return nil
}

func accumulateGrad(t, grad *Tensor) error {
	if t.grad == nil {
		t.grad = grad.Detach().Clone()
		t.grad.requiresGrad = false
		return nil
	}
	return AddInPlace(t.grad, grad)
}

// topologicalOrder lists every tensor reachable from root with inputs before
// the tensors computed from them.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		t        *Tensor
		expanded bool
	}
	stack := []frame{{t: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.expanded {
			order = append(order, f.t)
			continue
		}
		if visited[f.t] {
			continue
		}
		visited[f.t] = true
		stack = append(stack, frame{t: f.t, expanded: true})
		if f.t.creator != nil {
			for _, in := range f.t.creator.Inputs() {
				if in != nil && !visited[in] {
					stack = append(stack, frame{t: in})
				}
			}
		}
	}
	return order
}

func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

// AddOp records elementwise addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *AddOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut, gradOut}, nil
}

// ReLUOp records max(x, 0).
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs
	result, err := ReLU(inputs[0])
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *ReLUOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	grad := gradOut.Detach().Clone()
	for i := range grad.Data {
		if a.Data[i] <= 0 {
			grad.Data[i] = 0
		}
	}
	return []*Tensor{grad}, nil
}

// MSEOp records the mean squared error between a prediction and a target.
type MSEOp struct {
	inputs []*Tensor
}

func (op *MSEOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MSEOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	result, err := MSE(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *MSEOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *MSEOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	pred, target := op.inputs[0], op.inputs[1]
	scale := 2 * gradOut.Data[0] / float32(pred.NumElems)

	gradPred, err := NewTensor(pred.Shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range gradPred.Data {
		gradPred.Data[i] = scale * (pred.Data[i] - target.Data[i])
	}

	var gradTarget *Tensor
	if target.requiresGrad {
		gradTarget = Scale(gradPred, -1)
	}
	return []*Tensor{gradPred, gradTarget}, nil
}

type reshapeOp struct {
	inputs []*Tensor
}

func (op *reshapeOp) Inputs() []*Tensor {
	return op.inputs
}

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := gradOut.Detach().Reshape(op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// AddAutograd performs addition with automatic differentiation
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{}
	return op.Forward(a, b)
}

// ReLUAutograd performs ReLU activation with automatic differentiation
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	op := &ReLUOp{}
	return op.Forward(a)
}

// MSEAutograd computes the mean squared error with automatic differentiation
func MSEAutograd(pred, target *Tensor) (*Tensor, error) {
	op := &MSEOp{}
	return op.Forward(pred, target)
}
