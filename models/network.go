package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-superres/layers"
	"github.com/tsawler/go-superres/tensor"
)

// Network executes a compiled ModelSpec.
type Network struct {
	spec     *layers.ModelSpec
	modules  []Module
	training bool
}

// NewNetwork compiles spec and initialises fresh weights from rng.
func NewNetwork(spec *layers.ModelSpec, rng *rand.Rand, workers int) (*Network, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	return buildNetwork(spec, workers, func(l layers.LayerSpec, shapes [][]int) (*Conv2D, error) {
		p := l.Parameters
		return NewConv2D(
			layers.GetIntParam(p, "input_channels", 0),
			layers.GetIntParam(p, "output_channels", 0),
			layers.GetIntParam(p, "kernel_size", 0),
			layers.GetIntParam(p, "stride", 1),
			layers.GetIntParam(p, "padding", 0),
			layers.GetBoolParam(p, "use_bias", true),
			layers.GetStringParam(p, "init", layers.InitHeNormal),
			workers, rng,
		)
	})
}

// NewNetworkFromParameters compiles spec and adopts params, which must follow
// the spec's parameter order and shapes.
func NewNetworkFromParameters(spec *layers.ModelSpec, params []*tensor.Tensor, workers int) (*Network, error) {
	next := 0
	take := func(shape []int) (*tensor.Tensor, error) {
		if next >= len(params) {
			return nil, fmt.Errorf("%w: expected more than %d parameter tensors", tensor.ErrShapeMismatch, len(params))
		}
		p := params[next]
		next++
		if !tensor.ShapesEqual(p.Shape, shape) {
			return nil, fmt.Errorf("%w: parameter %d has shape %v, expected %v", tensor.ErrShapeMismatch, next-1, p.Shape, shape)
		}
		return p, nil
	}

	net, err := buildNetwork(spec, workers, func(l layers.LayerSpec, shapes [][]int) (*Conv2D, error) {
		weight, err := take(shapes[0])
		if err != nil {
			return nil, err
		}
		var bias *tensor.Tensor
		if len(shapes) > 1 {
			if bias, err = take(shapes[1]); err != nil {
				return nil, err
			}
		}
		return newConv2DFromTensors(weight, bias,
			layers.GetIntParam(l.Parameters, "stride", 1),
			layers.GetIntParam(l.Parameters, "padding", 0),
			workers), nil
	})
	if err != nil {
		return nil, err
	}
	if next != len(params) {
		return nil, fmt.Errorf("%w: %d parameter tensors supplied, network uses %d", tensor.ErrShapeMismatch, len(params), next)
	}
	return net, nil
}

func buildNetwork(spec *layers.ModelSpec, workers int, newConv func(layers.LayerSpec, [][]int) (*Conv2D, error)) (*Network, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec is required")
	}
	compiled, err := spec.Recompile()
	if err != nil {
		return nil, fmt.Errorf("invalid model spec %q: %w", spec.Name, err)
	}

	net := &Network{spec: compiled, training: true}
	for i, l := range compiled.Layers {
		switch l.Type {
		case layers.Conv2D:
			conv, err := newConv(l, l.ParameterShapes)
			if err != nil {
				return nil, fmt.Errorf("layer %d (%s): %w", i, l.Name, err)
			}
			net.modules = append(net.modules, conv)
		case layers.ReLU:
			net.modules = append(net.modules, NewReLU())
		case layers.Residual:
			net.modules = append(net.modules, NewResidual(layers.GetIntParam(l.Parameters, "source", layers.ModelInput)))
		default:
			return nil, fmt.Errorf("layer %d (%s): unsupported layer type %s", i, l.Name, l.Type)
		}
	}
	return net, nil
}

// Forward accepts [N,C,H,W] or a single [C,H,W] sample and returns an output
// of the same rank.
func (n *Network) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	unbatched := len(input.Shape) == 3
	if unbatched {
		var err error
		x, err = input.Reshape(append([]int{1}, input.Shape...))
		if err != nil {
			return nil, err
		}
	}
	if err := n.checkInput(x); err != nil {
		return nil, err
	}

	outputs := make([]*tensor.Tensor, len(n.modules))
	current := x
	for i, m := range n.modules {
		var out *tensor.Tensor
		var err error
		if r, ok := m.(*Residual); ok {
			skip := x
			if r.Source != layers.ModelInput {
				skip = outputs[r.Source]
			}
			out, err = r.Add(current, skip)
		} else {
			out, err = m.Forward(current)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, n.spec.Layers[i].Name, err)
		}
		outputs[i] = out
		current = out
	}

	if unbatched {
		return current.Reshape(current.Shape[1:])
	}
	return current, nil
}

func (n *Network) checkInput(x *tensor.Tensor) error {
	want := n.spec.InputShape
	if len(x.Shape) != len(want) {
		return fmt.Errorf("%w: %s expects rank %d input, got %v", tensor.ErrShapeMismatch, n.spec.Name, len(want), x.Shape)
	}
	for i, d := range want {
		if d != layers.Dynamic && x.Shape[i] != d {
			return fmt.Errorf("%w: %s expects input %v, got %v", tensor.ErrShapeMismatch, n.spec.Name, want, x.Shape)
		}
	}
	return nil
}

func (n *Network) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range n.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (n *Network) Train() {
	n.training = true
	for _, m := range n.modules {
		m.Train()
	}
}

func (n *Network) Eval() {
	n.training = false
	for _, m := range n.modules {
		m.Eval()
	}
}

func (n *Network) IsTraining() bool {
	return n.training
}

func (n *Network) Name() string {
	return n.spec.Name
}

func (n *Network) Spec() *layers.ModelSpec {
	return n.spec
}
