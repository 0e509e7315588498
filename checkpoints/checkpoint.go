// Package checkpoints serializes model parameter groups to disk. A trained
// forecaster writes one checkpoint per parameter group (the per-series
// smoothing embeddings and the shared recurrent weights) per ensemble copy.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forecastworks/esrnn/tensor"
)

// WeightTensor represents one model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Group string    `json:"group"` // "es" or "rnn"
}

// TrainingState captures the training progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Copy         int     `json:"copy"`
	LearningRate float64 `json:"learning_rate"`
	BestOWA      float64 `json:"best_owa"`
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Checkpoint is a complete snapshot of one parameter group.
type Checkpoint struct {
	Weights       []WeightTensor `json:"weights"`
	TrainingState TrainingState  `json:"training_state"`
	Metadata      Metadata       `json:"metadata"`
}

// Saver handles saving and loading checkpoints in JSON format.
type Saver struct{}

// NewSaver creates a new checkpoint saver.
func NewSaver() *Saver {
	return &Saver{}
}

// Save writes a checkpoint to path, creating parent directories as needed.
func (s *Saver) Save(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "esrnn"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// ExtractWeights copies a parameter group into serializable weight tensors.
// Parameters are named positionally within the group; Load restores them in
// the same order.
func ExtractWeights(group string, params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		weights[i] = WeightTensor{
			Name:  fmt.Sprintf("%s.param_%d", group, i),
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
			Group: group,
		}
	}
	return weights
}

// LoadWeights copies checkpoint weights back into a parameter group. The
// group must carry the same number of parameters with the same shapes, in
// the same order they were extracted.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}
	for i, p := range params {
		w := weights[i]
		if len(p.Shape) != len(w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs weight %v", w.Name, p.Shape, w.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs weight %d", w.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("data length mismatch for weight %s: %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
		copy(p.Data, w.Data)
	}
	return nil
}
