package layers

import (
	"fmt"
	"math/rand"

	"github.com/forecastworks/esrnn/tensor"
)

// ExponentialSmoothing holds the per-series half of the hybrid model:
// learned smoothing coefficients and initial seasonality for every series,
// stored as dense embeddings indexed by the stable series index assigned
// during vocabulary construction. The smoothing recursion is multiplicative
// Holt-Winters without trend; the level trajectory it produces normalizes
// the windows fed to the shared recurrent stack.
type ExponentialSmoothing struct {
	nSeries     int
	seasonality int
	epsilon     float64

	levSms   *tensor.Tensor   // [nSeries], sigmoid -> level smoothing alpha
	seasSms  *tensor.Tensor   // [nSeries], sigmoid -> seasonality smoothing gamma
	initSeas []*tensor.Tensor // per series [seasonality], exp -> initial factors
}

// SmoothingResult carries the trajectories of one series through the
// recursion. Levels has one entry per observation; Seasonalities has
// seasonality extra leading entries, so Seasonalities[t] is the factor
// applied at observation t and the tail covers the forecast horizon.
type SmoothingResult struct {
	Levels        *tensor.Tensor
	Seasonalities *tensor.Tensor
}

// NewExponentialSmoothing allocates the per-series embeddings. seasonality
// must be at least 1; callers collapse an empty seasonality list to 1.
func NewExponentialSmoothing(nSeries, seasonality int, epsilon float64, rng *rand.Rand) (*ExponentialSmoothing, error) {
	if nSeries <= 0 {
		return nil, fmt.Errorf("nSeries must be positive, got %d", nSeries)
	}
	if seasonality <= 0 {
		return nil, fmt.Errorf("seasonality must be positive, got %d", seasonality)
	}
	if epsilon <= 0 {
		epsilon = 1e-6
	}

	levSms, _ := tensor.RandUniform([]int{nSeries}, -0.5, 0.5, rng)
	seasSms, _ := tensor.RandUniform([]int{nSeries}, -0.5, 0.5, rng)
	levSms.SetRequiresGrad(true)
	seasSms.SetRequiresGrad(true)

	initSeas := make([]*tensor.Tensor, nSeries)
	for i := range initSeas {
		t, _ := tensor.RandUniform([]int{seasonality}, -0.1, 0.1, rng)
		t.SetRequiresGrad(true)
		initSeas[i] = t
	}

	return &ExponentialSmoothing{
		nSeries:     nSeries,
		seasonality: seasonality,
		epsilon:     epsilon,
		levSms:      levSms,
		seasSms:     seasSms,
		initSeas:    initSeas,
	}, nil
}

func (es *ExponentialSmoothing) Seasonality() int { return es.seasonality }

// Forward runs the smoothing recursion over one series' raw values:
//
//	s[k]     = exp(initSeas[k])                       k < m
//	level[0] = y[0] / s[0]
//	level[t] = alpha*y[t]/s[t] + (1-alpha)*level[t-1]
//	s[t+m]   = gamma*y[t]/level[t] + (1-gamma)*s[t]
//
// Denominators get an additive epsilon; instability is stabilized, not
// reported.
func (es *ExponentialSmoothing) Forward(series int, y []float64) (*SmoothingResult, error) {
	if series < 0 || series >= es.nSeries {
		return nil, fmt.Errorf("series index %d out of range [0, %d)", series, es.nSeries)
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("empty series")
	}

	alphaRaw, err := tensor.Index(es.levSms, series)
	if err != nil {
		return nil, err
	}
	alpha := tensor.Sigmoid(alphaRaw)
	gammaRaw, err := tensor.Index(es.seasSms, series)
	if err != nil {
		return nil, err
	}
	gamma := tensor.Sigmoid(gammaRaw)

	m := es.seasonality
	seas := make([]*tensor.Tensor, 0, len(y)+m)
	for k := 0; k < m; k++ {
		raw, err := tensor.Index(es.initSeas[series], k)
		if err != nil {
			return nil, err
		}
		seas = append(seas, tensor.Exp(raw))
	}

	levels := make([]*tensor.Tensor, len(y))
	for t := range y {
		obs := tensor.Scalar(y[t])
		deseason, err := es.safeDiv(obs, seas[t])
		if err != nil {
			return nil, err
		}
		if t == 0 {
			levels[0] = deseason
		} else {
			smoothed, err := tensor.Mul(alpha, deseason)
			if err != nil {
				return nil, err
			}
			carried, err := tensor.Mul(oneMinus(alpha), levels[t-1])
			if err != nil {
				return nil, err
			}
			levels[t], err = tensor.Add(smoothed, carried)
			if err != nil {
				return nil, err
			}
		}

		deleveled, err := es.safeDiv(obs, levels[t])
		if err != nil {
			return nil, err
		}
		seasNew, err := tensor.Mul(gamma, deleveled)
		if err != nil {
			return nil, err
		}
		seasOld, err := tensor.Mul(oneMinus(gamma), seas[t])
		if err != nil {
			return nil, err
		}
		next, err := tensor.Add(seasNew, seasOld)
		if err != nil {
			return nil, err
		}
		seas = append(seas, next)
	}

	levelVec, err := tensor.Stack(levels...)
	if err != nil {
		return nil, err
	}
	seasVec, err := tensor.Stack(seas...)
	if err != nil {
		return nil, err
	}
	return &SmoothingResult{Levels: levelVec, Seasonalities: seasVec}, nil
}

func (es *ExponentialSmoothing) safeDiv(num, den *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Div(num, tensor.AddScalar(den, es.epsilon))
}

// Parameters returns the per-series parameter group: smoothing coefficients
// first, then the initial seasonality embeddings.
func (es *ExponentialSmoothing) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{es.levSms, es.seasSms}
	return append(params, es.initSeas...)
}

// Clone deep-copies the embeddings.
func (es *ExponentialSmoothing) Clone() *ExponentialSmoothing {
	initSeas := make([]*tensor.Tensor, len(es.initSeas))
	for i, t := range es.initSeas {
		initSeas[i] = t.Clone()
	}
	return &ExponentialSmoothing{
		nSeries:     es.nSeries,
		seasonality: es.seasonality,
		epsilon:     es.epsilon,
		levSms:      es.levSms.Clone(),
		seasSms:     es.seasSms.Clone(),
		initSeas:    initSeas,
	}
}

// oneMinus returns 1 - t elementwise.
func oneMinus(t *tensor.Tensor) *tensor.Tensor {
	return tensor.AddScalar(tensor.MulScalar(t, -1), 1)
}
