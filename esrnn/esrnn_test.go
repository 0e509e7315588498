package esrnn

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecastworks/esrnn/data"
	"github.com/forecastworks/esrnn/tensor"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// trainPanels builds three positive daily series of length 20.
func trainPanels() (data.Panel, data.Panel) {
	var x, y data.Panel
	for _, id := range []string{"s1", "s2", "s3"} {
		base := 10.0 + float64(len(id))
		for i := 0; i < 20; i++ {
			x = append(x, data.Record{UniqueID: id, Ds: day(i), X: "retail"})
			y = append(y, data.Record{UniqueID: id, Ds: day(i), Y: base + float64(i%4) + 0.1*float64(i)})
		}
	}
	return x, y
}

func testPanels() (data.Panel, data.Panel, data.Panel) {
	var x, y, bench data.Panel
	for _, id := range []string{"s1", "s2", "s3"} {
		base := 10.0 + float64(len(id))
		for i := 20; i < 28; i++ {
			x = append(x, data.Record{UniqueID: id, Ds: day(i), X: "retail"})
			y = append(y, data.Record{UniqueID: id, Ds: day(i), Y: base + float64(i%4) + 0.1*float64(i)})
			bench = append(bench, data.Record{UniqueID: id, Ds: day(i), Y: base + 2})
		}
	}
	return x, y, bench
}

func smallConfig() ModelConfig {
	cfg := DefaultConfig()
	cfg.MaxEpochs = 2
	cfg.StateHSize = 6
	cfg.Dilations = [][]int{{1}, {2}}
	cfg.BatchSize = 2
	cfg.RandomSeed = 7
	return cfg
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestConfigDerivedFields(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 12, cfg.MinSeriesLength())
	assert.Equal(t, 20*4+12, cfg.MaxSeriesLength())
	assert.Equal(t, 4, cfg.NaiveSeasonality())

	cfg.Seasonality = nil
	assert.Equal(t, 1, cfg.NaiveSeasonality())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
	}{
		{"bad device", func(c *ModelConfig) { c.Device = "cuda" }},
		{"bad cell", func(c *ModelConfig) { c.CellType = "Transformer" }},
		{"bad input size", func(c *ModelConfig) { c.InputSize = 0 }},
		{"bad percentile", func(c *ModelConfig) { c.TrainingPercentile = 100 }},
		{"bad epochs", func(c *ModelConfig) { c.MaxEpochs = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestPredictBeforeFitFails(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = m.Predict(data.Panel{{UniqueID: "s1", Ds: day(0), X: "retail"}})
	assert.ErrorIs(t, err, ErrNotFitted)

	_, err = m.PerSeriesEvaluation()
	assert.ErrorIs(t, err, ErrNotFitted)
	assert.ErrorIs(t, m.Train(1, false, true), ErrNotFitted)
	assert.ErrorIs(t, m.Save(""), ErrNotFitted)
}

func TestFitTwiceFails(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))
	assert.ErrorIs(t, m.Fit(x, y, nil), ErrAlreadyFitted)
}

func TestFitAndPredict(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))
	assert.False(t, math.IsNaN(m.TrainLoss()))

	// Predict without timestamps: full horizon per series.
	forecast, err := m.Predict(data.Panel{{UniqueID: "s1"}, {UniqueID: "s2"}})
	require.NoError(t, err)
	require.Len(t, forecast, 2*m.Config().OutputSize)
	assert.Equal(t, "s1", forecast[0].UniqueID)
	assert.True(t, forecast[0].Ds.Equal(day(20)), "first forecast starts one step past the last observation")
	for _, r := range forecast {
		assert.False(t, math.IsNaN(r.Y))
		assert.Greater(t, r.Y, 0.0, "multiplicative model keeps positive scale")
	}

	// Predict with timestamps: merged onto the requested rows.
	xTest, _, _ := testPanels()
	merged, err := m.Predict(xTest)
	require.NoError(t, err)
	require.Len(t, merged, len(xTest))
	for i, r := range merged {
		assert.Equal(t, xTest[i].UniqueID, r.UniqueID)
		assert.True(t, xTest[i].Ds.Equal(r.Ds))
		assert.False(t, math.IsNaN(r.Y))
	}
}

func TestPredictUnknownSeriesFails(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))

	_, err = m.Predict(data.Panel{{UniqueID: "never-seen"}})
	assert.Error(t, err)

	_, err = m.Predict(data.Panel{{UniqueID: "s1", X: "never-seen"}})
	assert.Error(t, err)
}

func TestFitRejectsFrequencyMismatch(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	var monthlyX, monthlyY data.Panel
	for i := 0; i < 15; i++ {
		ds := day(0).AddDate(0, i, 0)
		monthlyX = append(monthlyX, data.Record{UniqueID: "m1", Ds: ds, X: "retail"})
		monthlyY = append(monthlyY, data.Record{UniqueID: "m1", Ds: ds, Y: 5})
	}

	err = m.Fit(x, y, &FitOptions{TestInput: monthlyX, TestTarget: monthlyY})
	assert.Error(t, err)
}

func TestEnsembleHoldsFiveDistinctSnapshots(t *testing.T) {
	cfg := smallConfig()
	cfg.Ensemble = true
	cfg.MaxEpochs = 6
	m, err := New(cfg)
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))

	require.Len(t, m.ensemble, ensembleSize)
	seen := make(map[*Network]bool)
	for _, member := range m.ensemble {
		assert.False(t, member.training, "ensemble members are frozen")
		assert.NotSame(t, m.network, member)
		seen[member] = true
	}
	assert.Len(t, seen, ensembleSize, "after enough epochs every member comes from a distinct epoch")

	forecast, err := m.Predict(data.Panel{{UniqueID: "s1"}})
	require.NoError(t, err)
	assert.Len(t, forecast, cfg.OutputSize)
}

func TestWarmStartContinuesOptimizersAndSchedule(t *testing.T) {
	cfg := smallConfig()
	cfg.LRSchedulerStepSize = 2
	cfg.LRDecay = 0.5
	m, err := New(cfg)
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))
	require.Equal(t, 2, m.trainedEpoch)

	rnnBefore := m.rnnOptimizer
	esBefore := m.esOptimizer
	steps := m.rnnOptimizer.GetStepCount()

	require.NoError(t, m.Train(2, true, true))
	assert.Equal(t, 4, m.trainedEpoch, "warm start continues the epoch counter")
	assert.Same(t, rnnBefore, m.rnnOptimizer, "warm start keeps the optimizers")
	assert.Same(t, esBefore, m.esOptimizer)
	assert.Greater(t, m.rnnOptimizer.GetStepCount(), steps)

	// Warm epochs ran at counter values 2 and 3, one decay step past the
	// schedule size.
	assert.InDelta(t, cfg.LearningRate*cfg.LRDecay, m.rnnOptimizer.LearningRate(), 1e-12)

	require.NoError(t, m.Train(1, false, true))
	assert.Equal(t, 1, m.trainedEpoch, "cold start resets the schedule")
	assert.NotSame(t, rnnBefore, m.rnnOptimizer)
}

func TestPeriodicEvaluationFiresAtEpochZero(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxEpochs = 1
	cfg.FreqOfTest = 2
	m, err := New(cfg)
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	xTest, yTest, bench := testPanels()
	require.NoError(t, m.Fit(x, y, &FitOptions{
		TestInput:  xTest,
		TestTarget: yTest,
		Benchmark:  bench,
	}))
	assert.NotZero(t, m.TestLoss(), "evaluation fires on the very first epoch")
	assert.False(t, math.IsNaN(m.TestLoss()))

	// A disabled cadence never evaluates.
	off, err := New(smallConfig())
	require.NoError(t, err)
	off.SetLogger(quietLogger())
	require.NoError(t, off.Fit(x, y, &FitOptions{
		TestInput:  xTest,
		TestTarget: yTest,
		Benchmark:  bench,
	}))
	assert.Zero(t, off.TestLoss())
}

func TestPredictOnHistoricalTimestampsYieldsNaN(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))

	// Rows carrying timestamps merge on (id, ds); historical dates have no
	// forecast, so every value is NaN. Forecasting history requires the
	// timestamp-free id form instead.
	merged, err := m.Predict(x)
	require.NoError(t, err)
	require.Len(t, merged, len(x))
	for _, r := range merged {
		assert.True(t, math.IsNaN(r.Y))
	}
}

func TestNormalizationRoundTrip(t *testing.T) {
	cfg := smallConfig()
	meta := FitMetadata{
		ExogenousSize: 1,
		NSeries:       1,
		CategoryToIdx: map[string]int{"retail": 0},
	}
	rng := rand.New(rand.NewSource(3))
	net, err := NewNetwork(cfg, meta, rng)
	require.NoError(t, err)

	y := []float64{12, 13.5, 11, 14, 12.5, 13, 11.5, 14.5}
	result, err := net.es.Forward(0, y)
	require.NoError(t, err)
	anchor, err := tensor.Index(result.Levels, len(y)-1)
	require.NoError(t, err)

	for idx, v := range y {
		norm, err := net.normalize(v, result.Seasonalities, idx, anchor)
		require.NoError(t, err)
		back := math.Exp(norm.Value()) * anchor.Value() * result.Seasonalities.Data[idx]
		assert.InDelta(t, v, back, 1e-3, "index %d", idx)
	}
}

func TestBenchmarkEvaluation(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	xTest, yTest, bench := testPanels()
	require.NoError(t, m.Fit(x, y, &FitOptions{
		TestInput:  xTest,
		TestTarget: yTest,
		Benchmark:  bench,
	}))

	owa, mase, smape, err := m.EvaluateModelPrediction(-1)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(owa))
	assert.GreaterOrEqual(t, mase, 0.0)
	assert.GreaterOrEqual(t, smape, 0.0)

	best, _ := m.BestOWA()
	assert.LessOrEqual(t, best, 4.0)
}

func TestPerSeriesEvaluation(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))

	losses, err := m.PerSeriesEvaluation()
	require.NoError(t, err)
	require.Len(t, losses, 3)
	for id, l := range losses {
		assert.GreaterOrEqual(t, l, 0.0, "series %s", id)
	}
}

func TestSaveLoadRestoresWeights(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))

	dir := filepath.Join(t.TempDir(), "artifacts")
	require.NoError(t, m.Save(dir))

	original := m.network.RNNParameters()[0].Data[0]
	m.network.RNNParameters()[0].Data[0] = original + 42

	require.NoError(t, m.Load(dir))
	assert.InDelta(t, original, m.network.RNNParameters()[0].Data[0], 1e-12)
}

func TestLoadAbsentDirIsNoOp(t *testing.T) {
	m, err := New(smallConfig())
	require.NoError(t, err)
	m.SetLogger(quietLogger())

	x, y := trainPanels()
	require.NoError(t, m.Fit(x, y, nil))

	before := m.network.ESParameters()[0].Data[0]
	require.NoError(t, m.Load(filepath.Join(t.TempDir(), "nowhere")))
	assert.Equal(t, before, m.network.ESParameters()[0].Data[0])
}

func TestOWAScores(t *testing.T) {
	series := []EvaluationSeries{{
		UniqueID:  "s1",
		Insample:  []float64{1, 2, 1, 2, 1, 2},
		Actual:    []float64{2, 1},
		Forecast:  []float64{2, 1},
		Benchmark: []float64{3, 2},
	}}

	owa, mase, smape, err := OWA(series, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, owa, 1e-12, "perfect forecast scores zero")
	assert.InDelta(t, 0.0, mase, 1e-12)
	assert.InDelta(t, 0.0, smape, 1e-12)

	// A forecast identical to the benchmark scores exactly 1.
	series[0].Forecast = []float64{3, 2}
	owa, _, _, err = OWA(series, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, owa, 1e-12)
}

func TestOWARejectsDegenerateInputs(t *testing.T) {
	_, _, _, err := OWA(nil, 1)
	assert.Error(t, err)

	series := []EvaluationSeries{{
		UniqueID:  "s1",
		Insample:  []float64{5, 5, 5, 5},
		Actual:    []float64{5},
		Forecast:  []float64{5},
		Benchmark: []float64{5},
	}}
	_, _, _, err = OWA(series, 1)
	assert.Error(t, err, "constant history has no naive scale")

	series[0].Insample = []float64{1, 2, 3}
	series[0].Benchmark = []float64{5, 5}
	_, _, _, err = OWA(series, 1)
	assert.Error(t, err, "misaligned horizon arrays")
}
