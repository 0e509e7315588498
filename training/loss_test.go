package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastworks/esrnn/tensor"
)

func TestPinballLossRejectsBadTau(t *testing.T) {
	for _, tau := range []float64{0, 1, -0.5, 1.5} {
		_, err := NewPinballLoss(tau)
		assert.Error(t, err, "tau=%f", tau)
	}
}

func TestPinballLossValues(t *testing.T) {
	tests := []struct {
		name string
		tau  float64
		y    []float64
		yHat []float64
		want float64
	}{
		// Under-prediction of 2 at tau=0.5 costs 0.5*2 = 1 per point.
		{"median under", 0.5, []float64{3, 3}, []float64{1, 1}, 1.0},
		// Over-prediction of 2 at tau=0.5 costs the same.
		{"median over", 0.5, []float64{1, 1}, []float64{3, 3}, 1.0},
		// tau=0.9 punishes under-prediction 9x more than over-prediction.
		{"high quantile under", 0.9, []float64{2}, []float64{1}, 0.9},
		{"high quantile over", 0.9, []float64{1}, []float64{2}, 0.1},
		{"exact", 0.5, []float64{1, 2, 3}, []float64{1, 2, 3}, 0.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pl, err := NewPinballLoss(tc.tau)
			require.NoError(t, err)
			loss, err := pl.Forward(tensor.Vector(tc.y), tensor.Vector(tc.yHat))
			require.NoError(t, err)
			assert.InDelta(t, tc.want, loss.Value(), 1e-12)
		})
	}
}

func TestPinballLossSymmetricAtMedian(t *testing.T) {
	pl, err := NewPinballLoss(0.5)
	require.NoError(t, err)

	y := tensor.Vector([]float64{1, 5, 2})
	yHat := tensor.Vector([]float64{4, 2, 2})

	a, err := pl.Forward(y, yHat)
	require.NoError(t, err)
	b, err := pl.Forward(yHat, y)
	require.NoError(t, err)
	assert.InDelta(t, a.Value(), b.Value(), 1e-12)
}

func TestPinballLossGradient(t *testing.T) {
	pl, err := NewPinballLoss(0.7)
	require.NoError(t, err)

	yHat := tensor.Vector([]float64{1, 3})
	yHat.SetRequiresGrad(true)
	y := tensor.Vector([]float64{2, 2})

	loss, err := pl.Forward(y, yHat)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	// Point 0 under-predicts: d/dyHat = -tau/n. Point 1 over-predicts:
	// d/dyHat = (1-tau)/n.
	assert.InDelta(t, -0.35, yHat.Grad().Data[0], 1e-12)
	assert.InDelta(t, 0.15, yHat.Grad().Data[1], 1e-12)
}

func TestSmylLossWithoutPenaltyEqualsPinball(t *testing.T) {
	sl, err := NewSmylLoss(0.5, 0)
	require.NoError(t, err)
	pl, err := NewPinballLoss(0.5)
	require.NoError(t, err)

	y := tensor.Vector([]float64{1, 2, 3})
	yHat := tensor.Vector([]float64{2, 2, 2})
	level := tensor.Vector([]float64{1, 5, 1, 5})

	composite, err := sl.Forward(y, yHat, []*tensor.Tensor{level})
	require.NoError(t, err)
	plain, err := pl.Forward(y, yHat)
	require.NoError(t, err)
	assert.InDelta(t, plain.Value(), composite.Value(), 1e-12)
}

func TestSmylLossPenalizesWigglyLevels(t *testing.T) {
	sl, err := NewSmylLoss(0.5, 80)
	require.NoError(t, err)

	y := tensor.Vector([]float64{1, 2})
	yHat := tensor.Vector([]float64{1, 2})

	smooth := tensor.Vector([]float64{1, 2, 4, 8})   // constant log increments
	wiggly := tensor.Vector([]float64{1, 8, 1.5, 9}) // alternating increments
	smoothLoss, err := sl.Forward(y, yHat, []*tensor.Tensor{smooth})
	require.NoError(t, err)
	wigglyLoss, err := sl.Forward(y, yHat, []*tensor.Tensor{wiggly})
	require.NoError(t, err)

	assert.InDelta(t, 0.0, smoothLoss.Value(), 1e-9)
	assert.Greater(t, wigglyLoss.Value(), smoothLoss.Value())
}

func TestSmylLossSkipsShortLevels(t *testing.T) {
	sl, err := NewSmylLoss(0.5, 80)
	require.NoError(t, err)

	y := tensor.Vector([]float64{1})
	yHat := tensor.Vector([]float64{3})
	short := tensor.Vector([]float64{1, 2})

	loss, err := sl.Forward(y, yHat, []*tensor.Tensor{short})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, loss.Value(), 1e-12)
}

func TestStepLRScheduler(t *testing.T) {
	s := NewStepLRScheduler(9, 0.9)

	assert.InDelta(t, 1e-3, s.GetLR(0, 1e-3), 1e-15)
	assert.InDelta(t, 1e-3, s.GetLR(8, 1e-3), 1e-15)
	assert.InDelta(t, 0.9e-3, s.GetLR(9, 1e-3), 1e-15)
	assert.InDelta(t, 0.81e-3, s.GetLR(18, 1e-3), 1e-15)
	assert.Equal(t, "StepLR", s.GetName())
}

func TestStepLRSchedulerDefaults(t *testing.T) {
	s := NewStepLRScheduler(0, 2)
	assert.Equal(t, 30, s.StepSize)
	assert.InDelta(t, 0.1, s.Gamma, 1e-12)
}
