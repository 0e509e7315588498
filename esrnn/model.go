package esrnn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/forecastworks/esrnn/checkpoints"
	"github.com/forecastworks/esrnn/data"
	"github.com/forecastworks/esrnn/optimizer"
	"github.com/forecastworks/esrnn/tensor"
	"github.com/forecastworks/esrnn/training"
)

// Lifecycle errors of the orchestrator.
var (
	ErrNotFitted     = errors.New("model is not fitted")
	ErrAlreadyFitted = errors.New("model is already fitted")
)

const ensembleSize = 5

// Model owns the full fit/train/predict lifecycle: configuration, iterator,
// network, the two optimizers with their schedulers, and the trailing
// ensemble. State machine: unfitted -> fitted; Fit is callable once per
// instance, warm starts go through Train on a fitted model.
type Model struct {
	cfg ModelConfig
	log *logrus.Logger

	meta     *FitMetadata
	network  *Network
	ensemble []*Network
	iterator *data.Iterator
	rng      *rand.Rand

	esOptimizer  *optimizer.Adam
	rnnOptimizer *optimizer.Adam
	esScheduler  *training.StepLRScheduler
	rnnScheduler *training.StepLRScheduler
	trainedEpoch int

	trainTarget   data.Panel
	testInput     data.Panel
	testTarget    data.Panel
	testBenchmark data.Panel

	fitted    bool
	trainLoss float64
	testLoss  float64
	minOWA    float64
	minEpoch  int
}

// New creates an unfitted model. The configuration is validated up front and
// frozen afterwards.
func New(cfg ModelConfig) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, log: logrus.New()}, nil
}

// SetLogger replaces the model's logger.
func (m *Model) SetLogger(log *logrus.Logger) {
	if log != nil {
		m.log = log
	}
}

// Config returns the model configuration.
func (m *Model) Config() ModelConfig { return m.cfg }

// Metadata returns the fitted vocabulary and dimensions, nil before Fit.
func (m *Model) Metadata() *FitMetadata { return m.meta }

// TrainLoss returns the mean composite loss of the last training epoch.
func (m *Model) TrainLoss() float64 { return m.trainLoss }

// TestLoss returns the pinball loss of the last periodic evaluation.
func (m *Model) TestLoss() float64 { return m.testLoss }

// BestOWA returns the best benchmark-relative score seen during training and
// the epoch that produced it.
func (m *Model) BestOWA() (float64, int) { return m.minOWA, m.minEpoch }

// FitOptions carries the optional test panels for periodic evaluation
// during fit. Benchmark rows hold the reference forecast in Y, aligned with
// TestTarget on (unique_id, ds).
type FitOptions struct {
	TestInput  data.Panel
	TestTarget data.Panel
	Benchmark  data.Panel
	NoShuffle  bool
}

// Fit validates and reshapes the training panels, builds the vocabulary,
// iterator and network, infers the panel frequency, and trains to the
// configured epoch count. A second call fails with ErrAlreadyFitted.
func (m *Model) Fit(x, y data.Panel, opts *FitOptions) error {
	if m.fitted {
		return ErrAlreadyFitted
	}
	if opts == nil {
		opts = &FitOptions{}
	}
	if err := data.ValidateInput(x); err != nil {
		return fmt.Errorf("invalid input panel: %v", err)
	}
	if err := data.ValidateTarget(y); err != nil {
		return fmt.Errorf("invalid target panel: %v", err)
	}

	frequency, err := m.agreeFrequency(x, y, opts)
	if err != nil {
		return err
	}

	seriesMeta, wide, err := data.LongToWide(x, y)
	if err != nil {
		return err
	}

	categories := data.UniqueCategories(x)
	categoryToIdx := make(map[string]int, len(categories))
	for i, c := range categories {
		categoryToIdx[c] = i
	}

	iterator, err := data.NewIterator(m.cfg.iteratorConfig(), seriesMeta, wide)
	if err != nil {
		return err
	}
	if iterator.Dropped() > 0 {
		m.log.WithField("dropped", iterator.Dropped()).
			Warn("excluded series shorter than one full window")
	}

	seriesToIdx := make(map[string]int, iterator.NSeries())
	for i, sm := range iterator.Meta() {
		seriesToIdx[sm.UniqueID] = i
	}

	m.meta = &FitMetadata{
		ExogenousSize: len(categories),
		NSeries:       iterator.NSeries(),
		CategoryToIdx: categoryToIdx,
		SeriesToIdx:   seriesToIdx,
		Frequency:     frequency,
	}
	m.iterator = iterator
	m.rng = rand.New(rand.NewSource(m.cfg.RandomSeed))
	m.network, err = NewNetwork(m.cfg, *m.meta, m.rng)
	if err != nil {
		return err
	}

	m.trainTarget = y
	m.testInput = opts.TestInput
	m.testTarget = opts.TestTarget
	m.testBenchmark = opts.Benchmark
	m.minOWA = 4.0
	m.minEpoch = 0

	m.log.WithFields(logrus.Fields{
		"frequency": frequency.String(),
		"n_series":  m.meta.NSeries,
		"exogenous": m.meta.ExogenousSize,
	}).Info("fitted vocabulary")

	m.fitted = true
	return m.Train(m.cfg.MaxEpochs, false, !opts.NoShuffle)
}

// agreeFrequency infers the cadence of every supplied panel and requires
// them to match.
func (m *Model) agreeFrequency(x, y data.Panel, opts *FitOptions) (data.Frequency, error) {
	panels := []data.Panel{x, y}
	if opts.TestInput != nil {
		panels = append(panels, opts.TestInput)
	}
	if opts.TestTarget != nil {
		panels = append(panels, opts.TestTarget)
	}

	var frequency data.Frequency
	for i, p := range panels {
		f, err := data.InferFrequency(p)
		if err != nil {
			return data.Frequency{}, err
		}
		if i == 0 {
			frequency = f
			continue
		}
		if !f.Equal(frequency) {
			return data.Frequency{}, fmt.Errorf("panel frequencies disagree: %s vs %s", frequency, f)
		}
	}
	return frequency, nil
}

// Train runs the optimization loop for maxEpochs. Without warm start it
// rebuilds both optimizers and schedulers; with warm start it continues the
// existing ones and their decay schedule. Requires a fitted model.
func (m *Model) Train(maxEpochs int, warmStart, shuffle bool) error {
	if !m.fitted {
		return ErrNotFitted
	}

	if m.cfg.Ensemble {
		snapshot := m.network.Clone()
		m.ensemble = make([]*Network, ensembleSize)
		for i := range m.ensemble {
			m.ensemble[i] = snapshot
		}
	}

	if !warmStart || m.esOptimizer == nil {
		var err error
		m.esOptimizer, err = optimizer.NewAdam(optimizer.AdamConfig{
			LearningRate: m.cfg.LearningRate * m.cfg.PerSeriesLRMultip,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      m.cfg.GradientEps,
		}, m.network.ESParameters())
		if err != nil {
			return err
		}
		m.rnnOptimizer, err = optimizer.NewAdam(optimizer.AdamConfig{
			LearningRate: m.cfg.LearningRate,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      m.cfg.GradientEps,
			WeightDecay:  m.cfg.RNNWeightDecay,
		}, m.network.RNNParameters())
		if err != nil {
			return err
		}
		m.esScheduler = training.NewStepLRScheduler(m.cfg.LRSchedulerStepSize, 0.9)
		m.rnnScheduler = training.NewStepLRScheduler(m.cfg.LRSchedulerStepSize, m.cfg.LRDecay)
		m.trainedEpoch = 0
	}

	trainLoss, err := training.NewSmylLoss(m.cfg.TrainingPercentile/100, m.cfg.LevelVariabilityPenalty)
	if err != nil {
		return err
	}
	evalLoss, err := training.NewPinballLoss(m.cfg.TestingPercentile / 100)
	if err != nil {
		return err
	}

	baseES := m.cfg.LearningRate * m.cfg.PerSeriesLRMultip
	baseRNN := m.cfg.LearningRate

	for epoch := 0; epoch < maxEpochs; epoch++ {
		start := time.Now()
		m.network.Train()
		m.esOptimizer.UpdateLearningRate(m.esScheduler.GetLR(m.trainedEpoch, baseES))
		m.rnnOptimizer.UpdateLearningRate(m.rnnScheduler.GetLR(m.trainedEpoch, baseRNN))

		if shuffle {
			m.iterator.ShuffleDataset(int64(epoch))
		}

		losses := make([]float64, 0, m.iterator.NBatches())
		for b := 0; b < m.iterator.NBatches(); b++ {
			m.esOptimizer.ZeroGrad()
			m.rnnOptimizer.ZeroGrad()

			batch := m.iterator.GetBatch()
			y, yHat, levels, err := m.network.TrainForward(batch)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %v", epoch, b, err)
			}
			loss, err := trainLoss.Forward(y, yHat, levels)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %v", epoch, b, err)
			}
			losses = append(losses, loss.Value())

			if err := loss.Backward(); err != nil {
				return fmt.Errorf("epoch %d batch %d: %v", epoch, b, err)
			}
			optimizer.ClipGradNorm(m.network.RNNParameters(), m.cfg.GradientClippingThreshold)
			optimizer.ClipGradNorm(m.network.ESParameters(), m.cfg.GradientClippingThreshold)
			m.rnnOptimizer.Step()
			m.esOptimizer.Step()
		}
		m.trainedEpoch++

		if m.cfg.Ensemble {
			m.ensemble = append(m.ensemble[1:], m.network.Clone())
		}

		m.trainLoss = stat.Mean(losses, nil)
		m.log.WithFields(logrus.Fields{
			"epoch":      epoch,
			"train_loss": m.trainLoss,
			"elapsed":    time.Since(start).Round(time.Millisecond),
		}).Info("epoch finished")

		if m.cfg.FreqOfTest > 0 && epoch%m.cfg.FreqOfTest == 0 && m.testTarget != nil {
			m.testLoss, err = m.modelEvaluation(evalLoss)
			if err != nil {
				return err
			}
			m.log.WithFields(logrus.Fields{
				"epoch":     epoch,
				"test_loss": m.testLoss,
			}).Info("periodic evaluation")

			if m.testInput != nil && m.testBenchmark != nil {
				if _, _, _, err := m.EvaluateModelPrediction(epoch); err != nil {
					return err
				}
			}
			m.network.Train()
		}
	}
	return nil
}

// evalBatchSize is the large evaluation/prediction batch size.
func (m *Model) evalBatchSize() int {
	return min(m.meta.NSeries, m.cfg.BatchSizeTest)
}

// modelEvaluation computes the mean pinball loss over all series at the
// evaluation batch size with fixed last-window offsets; the iterator is
// restored afterwards.
func (m *Model) modelEvaluation(criterion *training.PinballLoss) (float64, error) {
	m.network.Eval()
	if err := m.iterator.UpdateBatchSize(m.evalBatchSize()); err != nil {
		return 0, err
	}
	m.iterator.ResetOffsets()

	total := 0.0
	for b := 0; b < m.iterator.NBatches(); b++ {
		batch := m.iterator.GetBatch()
		y, yHat, _, err := m.network.TrainForward(batch)
		if err != nil {
			return 0, err
		}
		loss, err := criterion.Forward(y, yHat)
		if err != nil {
			return 0, err
		}
		total += loss.Value()
	}
	total /= float64(m.iterator.NBatches())

	if err := m.iterator.UpdateBatchSize(m.cfg.BatchSize); err != nil {
		return 0, err
	}
	return total, nil
}

// PerSeriesEvaluation returns the pinball loss of every series' fixed last
// window at the testing percentile, keyed by unique id.
func (m *Model) PerSeriesEvaluation() (map[string]float64, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	criterion, err := training.NewPinballLoss(m.cfg.TestingPercentile / 100)
	if err != nil {
		return nil, err
	}

	m.network.Eval()
	if err := m.iterator.UpdateBatchSize(m.evalBatchSize()); err != nil {
		return nil, err
	}
	m.iterator.ResetOffsets()

	out := make(map[string]float64, m.meta.NSeries)
	for b := 0; b < m.iterator.NBatches(); b++ {
		batch := m.iterator.GetBatch()
		y, yHat, _, err := m.network.TrainForward(batch)
		if err != nil {
			return nil, err
		}
		for i, idx := range batch.Indices {
			lo, hi := i*m.cfg.OutputSize, (i+1)*m.cfg.OutputSize
			loss, err := criterion.Forward(
				tensor.Vector(y.Data[lo:hi]), tensor.Vector(yHat.Data[lo:hi]))
			if err != nil {
				return nil, err
			}
			out[m.iterator.Meta()[idx].UniqueID] = loss.Value()
		}
	}

	if err := m.iterator.UpdateBatchSize(m.cfg.BatchSize); err != nil {
		return nil, err
	}
	return out, nil
}

// Predict forecasts OutputSize future points per series and merges them onto
// the caller's panel: on (unique_id, ds) when the caller supplies
// timestamps, on unique_id alone otherwise. Series or categories unseen
// during fit fail fast.
func (m *Model) Predict(x data.Panel) (data.Panel, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	if len(x) == 0 {
		return nil, fmt.Errorf("empty prediction panel")
	}
	for i, r := range x {
		if r.UniqueID == "" {
			return nil, fmt.Errorf("record %d: missing unique_id", i)
		}
		if _, ok := m.meta.SeriesToIdx[r.UniqueID]; !ok {
			return nil, fmt.Errorf("unknown series %q, model only forecasts series seen during fit", r.UniqueID)
		}
		if r.X != "" {
			if _, ok := m.meta.CategoryToIdx[r.X]; !ok {
				return nil, fmt.Errorf("unknown exogenous category %q", r.X)
			}
		}
	}

	m.network.Eval()
	if err := m.iterator.UpdateBatchSize(m.evalBatchSize()); err != nil {
		return nil, err
	}

	forecasts := make(map[string][]float64, m.meta.NSeries)
	for b := 0; b < m.iterator.NBatches(); b++ {
		batch := m.iterator.GetBatch()
		rows, err := m.predictBatch(batch)
		if err != nil {
			return nil, err
		}
		for i, idx := range batch.Indices {
			forecasts[m.iterator.Meta()[idx].UniqueID] = rows[i]
		}
	}
	if err := m.iterator.UpdateBatchSize(m.cfg.BatchSize); err != nil {
		return nil, err
	}

	// Future timestamps: one frequency step past each series' last
	// observed date.
	type key struct {
		id string
		ts int64
	}
	values := make(map[key]float64)
	futures := make(map[string][]time.Time, m.meta.NSeries)
	for _, sm := range m.iterator.Meta() {
		row := forecasts[sm.UniqueID]
		ts := make([]time.Time, m.cfg.OutputSize)
		for k := range row {
			ts[k] = m.meta.Frequency.Add(sm.LastDs, k+1)
			values[key{sm.UniqueID, ts[k].UnixNano()}] = row[k]
		}
		futures[sm.UniqueID] = ts
	}

	withDs := true
	for _, r := range x {
		if r.Ds.IsZero() {
			withDs = false
			break
		}
	}

	var out data.Panel
	if withDs {
		for _, r := range x {
			v, ok := values[key{r.UniqueID, r.Ds.UnixNano()}]
			if !ok {
				v = math.NaN()
			}
			out = append(out, data.Record{UniqueID: r.UniqueID, Ds: r.Ds, Y: v})
		}
		return out, nil
	}

	seen := make(map[string]bool)
	for _, r := range x {
		if seen[r.UniqueID] {
			continue
		}
		seen[r.UniqueID] = true
		for k, ts := range futures[r.UniqueID] {
			out = append(out, data.Record{UniqueID: r.UniqueID, Ds: ts, Y: forecasts[r.UniqueID][k]})
		}
	}
	return out, nil
}

// predictBatch averages the frozen ensemble members when ensembling is
// enabled, otherwise uses the live network.
func (m *Model) predictBatch(batch *data.Batch) ([][]float64, error) {
	if !m.cfg.Ensemble || len(m.ensemble) == 0 {
		return m.network.Predict(batch)
	}

	var sum [][]float64
	for _, member := range m.ensemble {
		rows, err := member.Predict(batch)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = rows
			continue
		}
		for i := range rows {
			for k := range rows[i] {
				sum[i][k] += rows[i][k]
			}
		}
	}
	for i := range sum {
		for k := range sum[i] {
			sum[i][k] /= float64(len(m.ensemble))
		}
	}
	return sum, nil
}

// EvaluateModelPrediction scores the current model against the benchmark on
// the held-out panels and tracks the best score and its epoch. Pass a
// negative epoch when calling outside the training loop.
func (m *Model) EvaluateModelPrediction(epoch int) (owa, mase, smape float64, err error) {
	if !m.fitted {
		return 0, 0, 0, ErrNotFitted
	}
	if m.testInput == nil || m.testTarget == nil || m.testBenchmark == nil {
		return 0, 0, 0, fmt.Errorf("benchmark evaluation needs test input, test target and benchmark panels")
	}

	forecast, err := m.Predict(m.testInput)
	if err != nil {
		return 0, 0, 0, err
	}

	series, err := m.assembleEvaluation(forecast)
	if err != nil {
		return 0, 0, 0, err
	}
	owa, mase, smape, err = OWA(series, m.cfg.NaiveSeasonality())
	if err != nil {
		return 0, 0, 0, err
	}

	if owa < m.minOWA {
		m.minOWA = owa
		if epoch >= 0 {
			m.minEpoch = epoch
		}
	}
	m.log.WithFields(logrus.Fields{
		"owa":   owa,
		"mase":  mase,
		"smape": smape,
	}).Info("benchmark evaluation")
	return owa, mase, smape, nil
}

// assembleEvaluation aligns the training history, test actuals, model
// forecast and benchmark forecast per series. Rows align on (unique_id, ds);
// a test row without a matching forecast or benchmark fails.
func (m *Model) assembleEvaluation(forecast data.Panel) ([]EvaluationSeries, error) {
	insample := groupValues(m.trainTarget)
	actual := groupValues(m.testTarget)
	predicted := indexValues(forecast)
	benchmark := indexValues(m.testBenchmark)

	ids := make([]string, 0, len(actual))
	for id := range actual {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var series []EvaluationSeries
	for _, id := range ids {
		hist, ok := insample[id]
		if !ok {
			return nil, fmt.Errorf("series %s has test rows but no training history", id)
		}
		s := EvaluationSeries{UniqueID: id, Insample: hist}
		for _, r := range m.testTarget {
			if r.UniqueID != id {
				continue
			}
			k := panelKey{id, r.Ds.UnixNano()}
			f, ok := predicted[k]
			if !ok || math.IsNaN(f) {
				return nil, fmt.Errorf("series %s: no forecast for %s", id, r.Ds)
			}
			b, ok := benchmark[k]
			if !ok {
				return nil, fmt.Errorf("series %s: no benchmark prediction for %s", id, r.Ds)
			}
			s.Actual = append(s.Actual, r.Y)
			s.Forecast = append(s.Forecast, f)
			s.Benchmark = append(s.Benchmark, b)
		}
		series = append(series, s)
	}
	return series, nil
}

type panelKey struct {
	id string
	ts int64
}

func groupValues(p data.Panel) map[string][]float64 {
	out := make(map[string][]float64)
	for _, r := range p {
		out[r.UniqueID] = append(out[r.UniqueID], r.Y)
	}
	return out
}

func indexValues(p data.Panel) map[panelKey]float64 {
	out := make(map[panelKey]float64, len(p))
	for _, r := range p {
		out[panelKey{r.UniqueID, r.Ds.UnixNano()}] = r.Y
	}
	return out
}

// dirName is the artifact directory: <root>/<dataset>/esrnn_<copy>.
func (m *Model) dirName() string {
	return filepath.Join(m.cfg.RootDir, m.cfg.DatasetName, fmt.Sprintf("esrnn_%d", m.cfg.Copy))
}

// Save writes the two parameter groups to rnn.model and es.model under
// modelDir, defaulting to the configured artifact directory.
func (m *Model) Save(modelDir string) error {
	if !m.fitted {
		return ErrNotFitted
	}
	if modelDir == "" {
		modelDir = m.dirName()
	}

	state := checkpoints.TrainingState{
		Epoch:        m.trainedEpoch,
		Copy:         m.cfg.Copy,
		LearningRate: m.rnnOptimizer.LearningRate(),
		BestOWA:      m.minOWA,
	}
	saver := checkpoints.NewSaver()
	rnnCp := &checkpoints.Checkpoint{
		Weights:       checkpoints.ExtractWeights("rnn", m.network.RNNParameters()),
		TrainingState: state,
	}
	if err := saver.Save(rnnCp, filepath.Join(modelDir, "rnn.model")); err != nil {
		return err
	}
	esCp := &checkpoints.Checkpoint{
		Weights:       checkpoints.ExtractWeights("es", m.network.ESParameters()),
		TrainingState: state,
	}
	if err := saver.Save(esCp, filepath.Join(modelDir, "es.model")); err != nil {
		return err
	}
	m.log.WithField("dir", modelDir).Info("saved model")
	return nil
}

// Load restores both parameter groups from modelDir. An absent directory is
// not an error: the model keeps its current state and a warning is logged.
func (m *Model) Load(modelDir string) error {
	if !m.fitted {
		return ErrNotFitted
	}
	if modelDir == "" {
		modelDir = m.dirName()
	}

	esPath := filepath.Join(modelDir, "es.model")
	if _, err := os.Stat(esPath); err != nil {
		m.log.WithField("dir", modelDir).Warn("no saved model found, keeping current state")
		return nil
	}

	saver := checkpoints.NewSaver()
	esCp, err := saver.Load(esPath)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(esCp.Weights, m.network.ESParameters()); err != nil {
		return err
	}
	rnnCp, err := saver.Load(filepath.Join(modelDir, "rnn.model"))
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(rnnCp.Weights, m.network.RNNParameters()); err != nil {
		return err
	}
	m.log.WithField("dir", modelDir).Info("loaded model")
	return nil
}
