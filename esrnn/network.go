package esrnn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/forecastworks/esrnn/data"
	"github.com/forecastworks/esrnn/layers"
	"github.com/forecastworks/esrnn/tensor"
)

// normalizationEps stabilizes the log and division of the window
// normalization.
const normalizationEps = 1e-6

// Network is the hybrid forecasting core: the per-series smoothing module
// produces level and seasonality trajectories that deseasonalize and
// log-scale each window; the shared dilated stack forecasts in that
// normalized space. The two sub-modules form the two parameter groups the
// orchestrator optimizes separately.
type Network struct {
	inputSize  int
	outputSize int
	noiseStd   float64

	es  *layers.ExponentialSmoothing
	rnn *layers.DilatedStack

	categoryToIdx map[string]int
	exogenousSize int

	training bool
	rng      *rand.Rand
}

// NewNetwork builds the network for a fitted vocabulary. rng seeds both the
// parameter initialization and the training-time noise.
func NewNetwork(cfg ModelConfig, meta FitMetadata, rng *rand.Rand) (*Network, error) {
	kind, err := layers.ParseCellKind(cfg.CellType)
	if err != nil {
		return nil, err
	}
	es, err := layers.NewExponentialSmoothing(meta.NSeries, cfg.NaiveSeasonality(), normalizationEps, rng)
	if err != nil {
		return nil, err
	}
	rnn, err := layers.NewDilatedStack(kind, cfg.Dilations, 1+meta.ExogenousSize, cfg.StateHSize, cfg.OutputSize, cfg.AddNLLayer, rng)
	if err != nil {
		return nil, err
	}
	return &Network{
		inputSize:     cfg.InputSize,
		outputSize:    cfg.OutputSize,
		noiseStd:      cfg.NoiseStd,
		es:            es,
		rnn:           rnn,
		categoryToIdx: meta.CategoryToIdx,
		exogenousSize: meta.ExogenousSize,
		training:      true,
		rng:           rng,
	}, nil
}

// Train switches the network to training mode, enabling input noise.
func (n *Network) Train() { n.training = true }

// Eval switches the network to evaluation mode.
func (n *Network) Eval() { n.training = false }

// ESParameters returns the per-series parameter group.
func (n *Network) ESParameters() []*tensor.Tensor { return n.es.Parameters() }

// RNNParameters returns the shared parameter group.
func (n *Network) RNNParameters() []*tensor.Tensor { return n.rnn.Parameters() }

// TrainForward runs the batch through smoothing and the recurrent stack and
// returns the concatenated normalized target windows, the concatenated
// normalized predictions and the per-series level trajectories for the
// composite loss.
func (n *Network) TrainForward(batch *data.Batch) (y, yHat *tensor.Tensor, levels []*tensor.Tensor, err error) {
	targets := make([]*tensor.Tensor, 0, batch.Size())
	preds := make([]*tensor.Tensor, 0, batch.Size())
	levels = make([]*tensor.Tensor, 0, batch.Size())

	for i := 0; i < batch.Size(); i++ {
		result, err := n.es.Forward(batch.Indices[i], batch.Series[i])
		if err != nil {
			return nil, nil, nil, err
		}
		o := batch.Offsets[i]
		anchor, err := tensor.Index(result.Levels, o+n.inputSize-1)
		if err != nil {
			return nil, nil, nil, err
		}

		pred, err := n.forecastWindow(batch.Series[i], batch.Categories[i], result, o, anchor)
		if err != nil {
			return nil, nil, nil, err
		}

		target := make([]*tensor.Tensor, n.outputSize)
		for k := 0; k < n.outputSize; k++ {
			idx := o + n.inputSize + k
			target[k], err = n.normalize(batch.Series[i][idx], result.Seasonalities, idx, anchor)
			if err != nil {
				return nil, nil, nil, err
			}
		}
		targetVec, err := tensor.Stack(target...)
		if err != nil {
			return nil, nil, nil, err
		}

		targets = append(targets, targetVec)
		preds = append(preds, pred)
		levels = append(levels, result.Levels)
	}

	y, err = tensor.Concat(targets...)
	if err != nil {
		return nil, nil, nil, err
	}
	yHat, err = tensor.Concat(preds...)
	if err != nil {
		return nil, nil, nil, err
	}
	return y, yHat, levels, nil
}

// Predict forecasts OutputSize points past the end of every series in the
// batch, denormalized back to the original scale. Seasonal factors past the
// horizon covered by the recursion wrap around the period.
func (n *Network) Predict(batch *data.Batch) ([][]float64, error) {
	out := make([][]float64, batch.Size())
	m := n.es.Seasonality()

	for i := 0; i < batch.Size(); i++ {
		series := batch.Series[i]
		length := len(series)
		if length < n.inputSize {
			return nil, fmt.Errorf("series %d too short for an input window: %d < %d", batch.Indices[i], length, n.inputSize)
		}
		result, err := n.es.Forward(batch.Indices[i], series)
		if err != nil {
			return nil, err
		}
		// The prediction window ends at the last observation, so the
		// anchor is the final level.
		o := length - n.inputSize
		anchor, err := tensor.Index(result.Levels, length-1)
		if err != nil {
			return nil, err
		}
		pred, err := n.forecastWindow(series, batch.Categories[i], result, o, anchor)
		if err != nil {
			return nil, err
		}

		row := make([]float64, n.outputSize)
		for k := range row {
			seasonal := result.Seasonalities.Data[length+k%m]
			row[k] = math.Exp(pred.Data[k]) * anchor.Value() * seasonal
		}
		out[i] = row
	}
	return out, nil
}

// forecastWindow normalizes the input window starting at offset o and runs
// it through the recurrent stack, one step vector per observation.
func (n *Network) forecastWindow(series []float64, category string, result *layers.SmoothingResult, o int, anchor *tensor.Tensor) (*tensor.Tensor, error) {
	oneHot, err := n.oneHot(category)
	if err != nil {
		return nil, err
	}
	steps := make([]*tensor.Tensor, n.inputSize)
	for k := 0; k < n.inputSize; k++ {
		norm, err := n.normalize(series[o+k], result.Seasonalities, o+k, anchor)
		if err != nil {
			return nil, err
		}
		if n.training && n.noiseStd > 0 {
			norm = tensor.AddScalar(norm, n.rng.NormFloat64()*n.noiseStd)
		}
		steps[k], err = tensor.Concat(norm, oneHot)
		if err != nil {
			return nil, err
		}
	}
	return n.rnn.Forward(steps)
}

// normalize deseasonalizes and log-scales one observation against the
// anchor level: log(y / (s[idx]*anchor) + eps).
func (n *Network) normalize(value float64, seasonalities *tensor.Tensor, idx int, anchor *tensor.Tensor) (*tensor.Tensor, error) {
	seasonal, err := tensor.Index(seasonalities, idx)
	if err != nil {
		return nil, err
	}
	den, err := tensor.Mul(seasonal, anchor)
	if err != nil {
		return nil, err
	}
	ratio, err := tensor.Div(tensor.Scalar(value), tensor.AddScalar(den, normalizationEps))
	if err != nil {
		return nil, err
	}
	return tensor.Log(tensor.AddScalar(ratio, normalizationEps))
}

func (n *Network) oneHot(category string) (*tensor.Tensor, error) {
	idx, ok := n.categoryToIdx[category]
	if !ok {
		return nil, fmt.Errorf("unknown exogenous category %q", category)
	}
	vec, err := tensor.Zeros([]int{n.exogenousSize})
	if err != nil {
		return nil, err
	}
	vec.Data[idx] = 1
	return vec, nil
}

// Clone returns a frozen deep copy for ensemble snapshots. The copy is in
// evaluation mode and shares no parameters with the live network.
func (n *Network) Clone() *Network {
	return &Network{
		inputSize:     n.inputSize,
		outputSize:    n.outputSize,
		noiseStd:      n.noiseStd,
		es:            n.es.Clone(),
		rnn:           n.rnn.Clone(),
		categoryToIdx: n.categoryToIdx,
		exogenousSize: n.exogenousSize,
		training:      false,
		rng:           n.rng,
	}
}
