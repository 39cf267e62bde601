package layers

import (
	"fmt"
	"math"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	ReLU
	Residual
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Residual:
		return "Residual"
	default:
		return "Unknown"
	}
}

// Dynamic marks a dimension whose extent is only known at run time, such as
// the batch size or the spatial size of an image.
const Dynamic = -1

// ModelInput is the residual source that refers to the network input.
const ModelInput = -1

// Weight initialisation schemes understood by the models package.
const (
	InitHeNormal      = "he_normal"
	InitXavierUniform = "xavier_uniform"
)

// LayerSpec is pure configuration: no execution logic lives here.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as an ordered list of layers.
type ModelSpec struct {
	Name   string      `json:"name"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a builder for a network taking inputShape
// [N, C, H, W]. Use Dynamic for dimensions not fixed at build time.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddConv2D adds a square-kernel convolution. Input channels are inferred at
// compile time.
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, init string, name string,
) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
			"init":            init,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddResidual adds the output of an earlier layer (or ModelInput) to the
// running activation.
func (mb *ModelBuilder) AddResidual(source int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Residual,
		Name: name,
		Parameters: map[string]interface{}{
			"source": source,
		},
	}
	return mb.AddLayer(layer)
}

// Compile computes every layer's shapes and parameter shapes.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 4 {
		return nil, fmt.Errorf("model input must be [batch, channels, height, width], got %v", mb.inputShape)
	}
	if mb.inputShape[1] <= 0 {
		return nil, fmt.Errorf("model input channels must be fixed and positive, got %d", mb.inputShape[1])
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}

	for i, l := range mb.layers {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		model.Layers[i] = LayerSpec{Type: l.Type, Name: l.Name, Parameters: params}
	}

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(model, i, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func (mb *ModelBuilder) computeLayerInfo(model *ModelSpec, index int, inputShape []int) ([]int, [][]int, int64, error) {
	layer := &model.Layers[index]
	switch layer.Type {
	case Conv2D:
		return mb.computeConv2DInfo(layer, inputShape)
	case ReLU:
		return mb.computeActivationInfo(layer, inputShape)
	case Residual:
		return mb.computeResidualInfo(model, index, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func (mb *ModelBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputChannels := GetIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_channels parameter")
	}
	kernelSize := GetIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid kernel_size parameter")
	}
	stride := GetIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return nil, nil, 0, fmt.Errorf("invalid stride %d", stride)
	}
	padding := GetIntParam(layer.Parameters, "padding", 0)
	if padding < 0 {
		return nil, nil, 0, fmt.Errorf("invalid padding %d", padding)
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	batchSize := inputShape[0]
	inputChannels := inputShape[1]

	layer.Parameters["input_channels"] = inputChannels

	outputHeight, err := convExtent(inputShape[2], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}
	outputWidth, err := convExtent(inputShape[3], kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}

	outputShape := []int{batchSize, outputChannels, outputHeight, outputWidth}

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	weightShape := []int{outputChannels, inputChannels, kernelSize, kernelSize}
	paramShapes = append(paramShapes, weightShape)
	paramCount += int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

func convExtent(in, kernel, stride, padding int) (int, error) {
	if in == Dynamic {
		if stride != 1 || 2*padding != kernel-1 {
			return 0, fmt.Errorf("dynamic spatial size requires a size-preserving convolution")
		}
		return Dynamic, nil
	}
	out := (in+2*padding-kernel)/stride + 1
	if out <= 0 {
		return 0, fmt.Errorf("kernel %d does not fit spatial size %d with padding %d", kernel, in, padding)
	}
	return out, nil
}

func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	return outputShape, nil, 0, nil
}

func (mb *ModelBuilder) computeResidualInfo(model *ModelSpec, index int, inputShape []int) ([]int, [][]int, int64, error) {
	layer := &model.Layers[index]
	source := GetIntParam(layer.Parameters, "source", ModelInput)

	var sourceShape []int
	switch {
	case source == ModelInput:
		sourceShape = model.InputShape
	case source >= 0 && source < index:
		sourceShape = model.Layers[source].OutputShape
	default:
		return nil, nil, 0, fmt.Errorf("residual source %d must be an earlier layer or the model input", source)
	}

	if len(sourceShape) != len(inputShape) {
		return nil, nil, 0, fmt.Errorf("residual source shape %v does not match %v", sourceShape, inputShape)
	}
	for i := range sourceShape {
		if sourceShape[i] != inputShape[i] {
			return nil, nil, 0, fmt.Errorf("residual source shape %v does not match %v", sourceShape, inputShape)
		}
	}
	return inputShape, nil, 0, nil
}

// Recompile rebuilds the spec from its layer configuration alone, discarding
// whatever derived fields it carries. Used to validate specs read from disk.
func (ms *ModelSpec) Recompile() (*ModelSpec, error) {
	builder := NewModelBuilder(ms.Name, ms.InputShape)
	for _, l := range ms.Layers {
		builder.AddLayer(LayerSpec{Type: l.Type, Name: l.Name, Parameters: l.Parameters})
	}
	return builder.Compile()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Model Summary: %s\n", ms.Name))
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String()))
		sb.WriteString(fmt.Sprintf("  Input:  %v\n", layer.InputShape))
		sb.WriteString(fmt.Sprintf("  Output: %v\n", layer.OutputShape))
		sb.WriteString(fmt.Sprintf("  Params: %d\n\n", layer.ParameterCount))
	}

	return sb.String()
}

// GetIntParam reads an integer parameter. Values decoded from JSON arrive as
// float64 and are accepted when integral.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	val, exists := params[key]
	if !exists {
		return defaultValue
	}
	switch v := val.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case float32:
		if float64(v) == math.Trunc(float64(v)) {
			return int(v)
		}
	}
	return defaultValue
}

func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func GetStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, exists := params[key]; exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}
