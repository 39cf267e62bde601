package checkpoints

import (
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-superres/layers"
)

var dimensionNames = []string{"batch", "channels", "height", "width"}

// ONNXExporter converts checkpoints to ONNX graphs of Conv, Relu and Add nodes.
type ONNXExporter struct {
	model *ModelProto
}

func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes checkpoint as an ONNX model (IR 7, opset 13) with the
// weights stored as graph initializers.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	model, err := oe.BuildModel(checkpoint)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(f *os.File) error {
		_, err := f.Write(model.Marshal())
		return err
	})
}

// BuildModel assembles the ONNX model without writing it.
func (oe *ONNXExporter) BuildModel(checkpoint *Checkpoint) (*ModelProto, error) {
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}
	oe.model = &ModelProto{
		IrVersion:       7,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: 13}},
		ProducerName:    "go-superres",
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		DocString:       fmt.Sprintf("%s exported %s", checkpoint.ModelSpec.Name, time.Now().UTC().Format(time.RFC3339)),
		Graph:           graph,
	}
	return oe.model, nil
}

func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	graph := &GraphProto{Name: spec.Name}

	weightMap := make(map[string]WeightTensor)
	for _, weight := range checkpoint.Weights {
		weightMap[weight.Name] = weight
	}

	graph.Input = append(graph.Input, &ValueInfoProto{
		Name:     "input",
		ElemType: TensorProto_DataType_FLOAT,
		Dims:     oe.createDimensions(spec.InputShape),
	})

	// outputs[i] names the tensor produced by layer i
	outputs := make([]string, len(spec.Layers))
	currentTensorName := "input"

	for layerIdx, layerSpec := range spec.Layers {
		var nodes []*NodeProto
		var initializers []*TensorProto
		var err error

		switch layerSpec.Type {
		case layers.Conv2D:
			nodes, initializers, currentTensorName, err = oe.createConv2DNode(layerSpec, weightMap, currentTensorName)
		case layers.ReLU:
			nodes, currentTensorName = oe.createReLUNode(layerSpec, currentTensorName)
		case layers.Residual:
			source := layers.GetIntParam(layerSpec.Parameters, "source", layers.ModelInput)
			skip := "input"
			if source != layers.ModelInput {
				if source < 0 || source >= layerIdx {
					return nil, fmt.Errorf("layer %s: residual source %d is not an earlier layer", layerSpec.Name, source)
				}
				skip = outputs[source]
			}
			nodes, currentTensorName = oe.createAddNode(layerSpec, currentTensorName, skip)
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layerSpec.Type.String())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", layerSpec.Name, err)
		}

		outputs[layerIdx] = currentTensorName
		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, initializers...)
	}

	graph.Output = append(graph.Output, &ValueInfoProto{
		Name:     currentTensorName,
		ElemType: TensorProto_DataType_FLOAT,
		Dims:     oe.createDimensions(spec.OutputShape),
	})
	return graph, nil
}

func (oe *ONNXExporter) createConv2DNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*NodeProto, []*TensorProto, string, error) {
	layerName := layerSpec.Name
	outputTensor := fmt.Sprintf("%s_output", layerName)

	kernelSize := layers.GetIntParam(layerSpec.Parameters, "kernel_size", 0)
	stride := layers.GetIntParam(layerSpec.Parameters, "stride", 1)
	padding := layers.GetIntParam(layerSpec.Parameters, "padding", 0)
	useBias := layers.GetBoolParam(layerSpec.Parameters, "use_bias", true)

	weightName := fmt.Sprintf("%s.weight", layerName)
	weight, ok := weightMap[weightName]
	if !ok {
		return nil, nil, "", fmt.Errorf("missing weight %s", weightName)
	}

	convNode := &NodeProto{
		OpType: "Conv",
		Name:   layerName,
		Input:  []string{inputTensor, weightName},
		Output: []string{outputTensor},
		Attribute: []*AttributeProto{
			{Name: "kernel_shape", Type: AttributeProto_INTS, Ints: []int64{int64(kernelSize), int64(kernelSize)}},
			{Name: "strides", Type: AttributeProto_INTS, Ints: []int64{int64(stride), int64(stride)}},
			{Name: "pads", Type: AttributeProto_INTS, Ints: []int64{int64(padding), int64(padding), int64(padding), int64(padding)}},
		},
	}
	initializers := []*TensorProto{oe.createTensorProto(weightName, weight.Shape, weight.Data)}

	if useBias {
		biasName := fmt.Sprintf("%s.bias", layerName)
		bias, ok := weightMap[biasName]
		if !ok {
			return nil, nil, "", fmt.Errorf("missing bias %s", biasName)
		}
		convNode.Input = append(convNode.Input, biasName)
		initializers = append(initializers, oe.createTensorProto(biasName, bias.Shape, bias.Data))
	}

	return []*NodeProto{convNode}, initializers, outputTensor, nil
}

func (oe *ONNXExporter) createReLUNode(layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, string) {
	outputTensor := fmt.Sprintf("%s_output", layerSpec.Name)
	return []*NodeProto{{
		OpType: "Relu",
		Name:   layerSpec.Name,
		Input:  []string{inputTensor},
		Output: []string{outputTensor},
	}}, outputTensor
}

func (oe *ONNXExporter) createAddNode(layerSpec layers.LayerSpec, inputTensor, skipTensor string) ([]*NodeProto, string) {
	outputTensor := fmt.Sprintf("%s_output", layerSpec.Name)
	return []*NodeProto{{
		OpType: "Add",
		Name:   layerSpec.Name,
		Input:  []string{inputTensor, skipTensor},
		Output: []string{outputTensor},
	}}, outputTensor
}

// createDimensions maps Dynamic extents to named symbolic dimensions.
func (oe *ONNXExporter) createDimensions(shape []int) []Dimension {
	dims := make([]Dimension, len(shape))
	for i, d := range shape {
		if d == layers.Dynamic {
			name := fmt.Sprintf("dim_%d", i)
			if i < len(dimensionNames) {
				name = dimensionNames[i]
			}
			dims[i] = Dimension{Param: name}
		} else {
			dims[i] = Dimension{Value: int64(d)}
		}
	}
	return dims
}

func (oe *ONNXExporter) createTensorProto(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return &TensorProto{
		Name:      name,
		Dims:      dims,
		DataType:  TensorProto_DataType_FLOAT,
		FloatData: data,
	}
}

// ONNXImporter reads sequential Conv/Relu/Add graphs back into checkpoints.
type ONNXImporter struct{}

func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	return oi.ConvertModel(model)
}

// ConvertModel rebuilds the layer spec and weights described by model.
func (oi *ONNXImporter) ConvertModel(model *ModelProto) (*Checkpoint, error) {
	graph := model.Graph
	if graph == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	initializers := make(map[string]*TensorProto)
	for _, t := range graph.Initializer {
		initializers[t.Name] = t
	}

	var input *ValueInfoProto
	for _, in := range graph.Input {
		if _, isWeight := initializers[in.Name]; !isWeight {
			input = in
			break
		}
	}
	if input == nil {
		return nil, fmt.Errorf("ONNX graph has no data input")
	}
	inputShape := make([]int, len(input.Dims))
	for i, d := range input.Dims {
		if d.Param != "" || d.Value <= 0 {
			inputShape[i] = layers.Dynamic
		} else {
			inputShape[i] = int(d.Value)
		}
	}

	builder := layers.NewModelBuilder(graph.Name, inputShape)
	producers := map[string]int{input.Name: layers.ModelInput}
	current := input.Name
	var weights []WeightTensor

	for i, node := range graph.Node {
		if len(node.Input) == 0 || len(node.Output) != 1 {
			return nil, fmt.Errorf("node %s: expected inputs and a single output", node.Name)
		}
		name := node.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", node.OpType, i)
		}

		switch node.OpType {
		case "Conv":
			if node.Input[0] != current {
				return nil, fmt.Errorf("node %s: only sequential graphs are supported", name)
			}
			convWeights, err := oi.convertConvNode(builder, node, name, initializers)
			if err != nil {
				return nil, err
			}
			weights = append(weights, convWeights...)
		case "Relu":
			if node.Input[0] != current {
				return nil, fmt.Errorf("node %s: only sequential graphs are supported", name)
			}
			builder.AddReLU(name)
		case "Add":
			if len(node.Input) != 2 {
				return nil, fmt.Errorf("node %s: Add expects two inputs", name)
			}
			skip := node.Input[1]
			if node.Input[1] == current {
				skip = node.Input[0]
			} else if node.Input[0] != current {
				return nil, fmt.Errorf("node %s: only sequential graphs are supported", name)
			}
			source, ok := producers[skip]
			if !ok {
				return nil, fmt.Errorf("node %s: skip input %s is not produced by an earlier node", name, skip)
			}
			builder.AddResidual(source, name)
		default:
			return nil, fmt.Errorf("unsupported ONNX operator: %s", node.OpType)
		}

		producers[node.Output[0]] = i
		current = node.Output[0]
	}

	spec, err := builder.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile imported model: %w", err)
	}

	return &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   model.ProducerName,
			CreatedAt:   time.Now(),
			Description: "imported from ONNX",
		},
	}, nil
}

func (oi *ONNXImporter) convertConvNode(builder *layers.ModelBuilder, node *NodeProto, name string, initializers map[string]*TensorProto) ([]WeightTensor, error) {
	if len(node.Input) < 2 {
		return nil, fmt.Errorf("node %s: Conv without weight", name)
	}
	weight, ok := initializers[node.Input[1]]
	if !ok || len(weight.Dims) != 4 {
		return nil, fmt.Errorf("node %s: weight %s must be a 4-D initializer", name, node.Input[1])
	}
	if weight.Dims[2] != weight.Dims[3] {
		return nil, fmt.Errorf("node %s: only square kernels are supported, got %v", name, weight.Dims)
	}

	stride, padding := 1, 0
	for _, attr := range node.Attribute {
		switch attr.Name {
		case "strides":
			if len(attr.Ints) > 0 {
				stride = int(attr.Ints[0])
			}
		case "pads":
			for _, p := range attr.Ints {
				if p != attr.Ints[0] {
					return nil, fmt.Errorf("node %s: asymmetric padding %v is not supported", name, attr.Ints)
				}
				padding = int(p)
			}
		case "group", "dilations":
			for _, v := range append([]int64{attr.I}, attr.Ints...) {
				if v > 1 {
					return nil, fmt.Errorf("node %s: %s %d is not supported", name, attr.Name, v)
				}
			}
		}
	}

	useBias := len(node.Input) > 2 && node.Input[2] != ""
	builder.AddConv2D(int(weight.Dims[0]), int(weight.Dims[2]), stride, padding, useBias, layers.InitHeNormal, name)

	weights := []WeightTensor{oi.weightTensor(name, "weight", weight)}
	if useBias {
		bias, ok := initializers[node.Input[2]]
		if !ok {
			return nil, fmt.Errorf("node %s: missing bias initializer %s", name, node.Input[2])
		}
		weights = append(weights, oi.weightTensor(name, "bias", bias))
	}
	return weights, nil
}

func (oi *ONNXImporter) weightTensor(layer, kind string, t *TensorProto) WeightTensor {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	return WeightTensor{
		Name:  fmt.Sprintf("%s.%s", layer, kind),
		Shape: shape,
		Data:  t.FloatData,
		Layer: layer,
		Type:  kind,
	}
}
