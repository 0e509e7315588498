package training

import (
	"fmt"

	"github.com/forecastworks/esrnn/tensor"
)

// PinballLoss is the tau-quantile loss. At tau=0.5 it reduces to a scaled
// mean absolute error.
type PinballLoss struct {
	tau float64
}

// NewPinballLoss creates a pinball loss for the given quantile, tau in (0,1).
func NewPinballLoss(tau float64) (*PinballLoss, error) {
	if tau <= 0 || tau >= 1 {
		return nil, fmt.Errorf("tau must be in (0, 1), got %f", tau)
	}
	return &PinballLoss{tau: tau}, nil
}

// Forward computes mean(tau*max(y-yHat,0) + (1-tau)*max(yHat-y,0)) as a
// differentiable scalar.
func (pl *PinballLoss) Forward(y, yHat *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(y, yHat)
	if err != nil {
		return nil, err
	}
	under := tensor.MulScalar(tensor.ReLU(diff), pl.tau)
	over := tensor.MulScalar(tensor.ReLU(tensor.MulScalar(diff, -1)), 1-pl.tau)
	total, err := tensor.Add(under, over)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(total), nil
}

// SmylLoss is the composite training objective: pinball loss on the
// normalized windows plus a penalty on the roughness of the log-level
// trajectory.
type SmylLoss struct {
	pinball                 *PinballLoss
	levelVariabilityPenalty float64
}

// NewSmylLoss creates the composite loss. A zero penalty disables the level
// term.
func NewSmylLoss(tau, levelVariabilityPenalty float64) (*SmylLoss, error) {
	if levelVariabilityPenalty < 0 {
		return nil, fmt.Errorf("level variability penalty must be non-negative, got %f", levelVariabilityPenalty)
	}
	pinball, err := NewPinballLoss(tau)
	if err != nil {
		return nil, err
	}
	return &SmylLoss{pinball: pinball, levelVariabilityPenalty: levelVariabilityPenalty}, nil
}

// Forward combines the window loss with the level penalty. levels holds one
// trajectory per series in the batch; each contributes the mean squared
// second difference of its log-level increments.
func (sl *SmylLoss) Forward(y, yHat *tensor.Tensor, levels []*tensor.Tensor) (*tensor.Tensor, error) {
	loss, err := sl.pinball.Forward(y, yHat)
	if err != nil {
		return nil, err
	}
	if sl.levelVariabilityPenalty == 0 || len(levels) == 0 {
		return loss, nil
	}

	var penalties []*tensor.Tensor
	for _, level := range levels {
		if level.NumElems < 3 {
			continue
		}
		logLevel, err := tensor.Log(level)
		if err != nil {
			return nil, err
		}
		increments, err := tensor.Diff(logLevel)
		if err != nil {
			return nil, err
		}
		second, err := tensor.Diff(increments)
		if err != nil {
			return nil, err
		}
		squared, err := tensor.Mul(second, second)
		if err != nil {
			return nil, err
		}
		penalties = append(penalties, tensor.Mean(squared))
	}
	if len(penalties) == 0 {
		return loss, nil
	}

	stacked, err := tensor.Stack(penalties...)
	if err != nil {
		return nil, err
	}
	penalty := tensor.MulScalar(tensor.Mean(stacked), sl.levelVariabilityPenalty)
	return tensor.Add(loss, penalty)
}
