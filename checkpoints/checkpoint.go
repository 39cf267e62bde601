package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-superres/layers"
	"github.com/tsawler/go-superres/models"
	"github.com/tsawler/go-superres/optimizer"
	"github.com/tsawler/go-superres/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint is a complete serialized model: topology, weights and the
// training progress at the time it was written.
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Informational only; moments are not stored and are not restored.
	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress when the checkpoint was taken.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestScore    float64 `json:"best_score"` // PSNR in dB
	TotalSteps   int     `json:"total_steps"`
}

type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewCheckpoint captures a snapshot of model. Weight data is copied.
func NewCheckpoint(model models.Model, state TrainingState, opt *optimizer.State) (*Checkpoint, error) {
	weights, err := ExtractWeights(model)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ModelSpec:      model.Spec(),
		Weights:        weights,
		TrainingState:  state,
		OptimizerState: opt,
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-superres",
			CreatedAt: time.Now(),
			Tags:      []string{model.Name()},
		},
	}, nil
}

// ExtractWeights names every parameter of model after the layer owning it,
// in the order of ModelSpec.ParameterShapes.
func ExtractWeights(model models.Model) ([]WeightTensor, error) {
	spec := model.Spec()
	params := model.Parameters()

	var weights []WeightTensor
	paramIndex := 0
	for _, layerSpec := range spec.Layers {
		if layerSpec.Type != layers.Conv2D {
			continue
		}
		kinds := []string{"weight"}
		if layers.GetBoolParam(layerSpec.Parameters, "use_bias", true) {
			kinds = append(kinds, "bias")
		}
		for _, kind := range kinds {
			if paramIndex >= len(params) {
				return nil, fmt.Errorf("insufficient tensors for conv2d layer %s %s", layerSpec.Name, kind)
			}
			p := params[paramIndex]
			data := make([]float32, len(p.Data))
			copy(data, p.Data)
			shape := make([]int, len(p.Shape))
			copy(shape, p.Shape)

			weights = append(weights, WeightTensor{
				Name:  fmt.Sprintf("%s.%s", layerSpec.Name, kind),
				Shape: shape,
				Data:  data,
				Layer: layerSpec.Name,
				Type:  kind,
			})
			paramIndex++
		}
	}
	if paramIndex != len(params) {
		return nil, fmt.Errorf("model has %d parameter tensors, spec accounts for %d", len(params), paramIndex)
	}
	return weights, nil
}

// Network rebuilds a fresh model from the checkpoint. The topology comes from
// the file, not from the caller.
func (c *Checkpoint) Network(workers int) (*models.Network, error) {
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	params := make([]*tensor.Tensor, len(c.Weights))
	for i, w := range c.Weights {
		data := make([]float32, len(w.Data))
		copy(data, w.Data)
		t, err := tensor.NewTensor(w.Shape, data)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", w.Name, err)
		}
		params[i] = t
	}
	return models.NewNetworkFromParameters(c.ModelSpec, params, workers)
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes checkpoint to path. The file is replaced atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return writeAtomic(path, func(f *os.File) error {
			encoder := json.NewEncoder(f)
			encoder.SetIndent("", "  ")
			return encoder.Encode(checkpoint)
		})
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &checkpoint, nil
}

// writeAtomic writes through a temporary file in the target directory, syncs
// it and renames it over path. A failed write leaves any previous file intact.
func writeAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
