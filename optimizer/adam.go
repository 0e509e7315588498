package optimizer

import (
	"fmt"
	"math"

	"github.com/forecastworks/esrnn/tensor"
)

// AdamConfig holds the hyperparameters of one Adam instance.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the conventional Adam settings.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam update rule over one parameter group. The two
// parameter families of the hybrid model each get their own instance; the
// groups are disjoint so step order between them does not matter.
type Adam struct {
	config AdamConfig
	params []*tensor.Tensor

	momentum [][]float64
	variance [][]float64
	step     uint64
}

// NewAdam creates an optimizer for the given parameter group.
func NewAdam(config AdamConfig, params []*tensor.Tensor) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.Beta1 <= 0 || config.Beta1 >= 1 {
		config.Beta1 = 0.9
	}
	if config.Beta2 <= 0 || config.Beta2 >= 1 {
		config.Beta2 = 0.999
	}
	if config.Epsilon <= 0 {
		config.Epsilon = 1e-8
	}

	momentum := make([][]float64, len(params))
	variance := make([][]float64, len(params))
	for i, p := range params {
		momentum[i] = make([]float64, p.NumElems)
		variance[i] = make([]float64, p.NumElems)
	}
	return &Adam{
		config:   config,
		params:   params,
		momentum: momentum,
		variance: variance,
	}, nil
}

// ZeroGrad clears accumulated gradients on the whole group.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one Adam update with bias correction. Parameters without an
// accumulated gradient are skipped.
func (a *Adam) Step() {
	a.step++
	bc1 := 1 - math.Pow(a.config.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.config.Beta2, float64(a.step))

	for i, p := range a.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		m := a.momentum[i]
		v := a.variance[i]
		for j := range p.Data {
			g := grad.Data[j]
			if a.config.WeightDecay != 0 {
				g += a.config.WeightDecay * p.Data[j]
			}
			m[j] = a.config.Beta1*m[j] + (1-a.config.Beta1)*g
			v[j] = a.config.Beta2*v[j] + (1-a.config.Beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Data[j] -= a.config.LearningRate * mHat / (math.Sqrt(vHat) + a.config.Epsilon)
		}
	}
}

// GetStepCount returns the number of updates applied so far.
func (a *Adam) GetStepCount() uint64 { return a.step }

// UpdateLearningRate replaces the learning rate, used by the per-epoch
// scheduler.
func (a *Adam) UpdateLearningRate(lr float64) { a.config.LearningRate = lr }

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 { return a.config.LearningRate }
