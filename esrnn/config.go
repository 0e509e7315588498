// Package esrnn implements the hybrid exponential-smoothing recurrent
// forecaster for panel data: a shared dilated recurrent stack combined with
// per-series multiplicative Holt-Winters smoothing, trained jointly with two
// optimizers.
package esrnn

import (
	"fmt"

	"github.com/forecastworks/esrnn/data"
	"github.com/forecastworks/esrnn/layers"
)

// ModelConfig bundles every hyperparameter of the model. It is frozen after
// construction; everything learned about the training panel lands in
// FitMetadata instead.
type ModelConfig struct {
	MaxEpochs     int
	BatchSize     int
	BatchSizeTest int
	FreqOfTest    int

	LearningRate              float64
	LRSchedulerStepSize       int
	LRDecay                   float64
	PerSeriesLRMultip         float64
	GradientEps               float64
	GradientClippingThreshold float64
	RNNWeightDecay            float64
	NoiseStd                  float64

	LevelVariabilityPenalty float64
	TestingPercentile       float64
	TrainingPercentile      float64
	Ensemble                bool

	CellType   string
	StateHSize int
	Dilations  [][]int
	AddNLLayer bool

	Seasonality []int
	InputSize   int
	OutputSize  int
	MaxPeriods  int

	RandomSeed int64
	Device     string

	RootDir     string
	DatasetName string
	Copy        int
}

// DefaultConfig returns the reference hyperparameters.
func DefaultConfig() ModelConfig {
	return ModelConfig{
		MaxEpochs:                 15,
		BatchSize:                 1,
		BatchSizeTest:             64,
		FreqOfTest:                -1,
		LearningRate:              1e-3,
		LRSchedulerStepSize:       9,
		LRDecay:                   0.9,
		PerSeriesLRMultip:         1.0,
		GradientEps:               1e-8,
		GradientClippingThreshold: 20,
		RNNWeightDecay:            0,
		NoiseStd:                  0.001,
		LevelVariabilityPenalty:   80,
		TestingPercentile:         50,
		TrainingPercentile:        50,
		Ensemble:                  false,
		CellType:                  "LSTM",
		StateHSize:                40,
		Dilations:                 [][]int{{1, 2}, {4, 8}},
		AddNLLayer:                false,
		Seasonality:               []int{4},
		InputSize:                 4,
		OutputSize:                8,
		MaxPeriods:                20,
		RandomSeed:                1,
		Device:                    "cpu",
		RootDir:                   "./",
	}
}

// MinSeriesLength is the shortest usable history: one full window.
func (c ModelConfig) MinSeriesLength() int { return c.InputSize + c.OutputSize }

// MaxSeriesLength caps histories at the last MaxPeriods input windows.
func (c ModelConfig) MaxSeriesLength() int {
	return c.MaxPeriods*c.InputSize + c.MinSeriesLength()
}

// NaiveSeasonality is the first configured seasonality period, 1 when the
// list is empty.
func (c ModelConfig) NaiveSeasonality() int {
	if len(c.Seasonality) > 0 {
		return c.Seasonality[0]
	}
	return 1
}

func (c ModelConfig) iteratorConfig() data.IteratorConfig {
	return data.IteratorConfig{
		InputSize:       c.InputSize,
		OutputSize:      c.OutputSize,
		BatchSize:       c.BatchSize,
		MaxSeriesLength: c.MaxSeriesLength(),
	}
}

func (c ModelConfig) validate() error {
	if c.InputSize <= 0 || c.OutputSize <= 0 {
		return fmt.Errorf("window sizes must be positive, got input %d output %d", c.InputSize, c.OutputSize)
	}
	if c.BatchSize <= 0 || c.BatchSizeTest <= 0 {
		return fmt.Errorf("batch sizes must be positive, got train %d test %d", c.BatchSize, c.BatchSizeTest)
	}
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("max epochs must be positive, got %d", c.MaxEpochs)
	}
	if c.StateHSize <= 0 {
		return fmt.Errorf("hidden state size must be positive, got %d", c.StateHSize)
	}
	if c.TrainingPercentile <= 0 || c.TrainingPercentile >= 100 {
		return fmt.Errorf("training percentile must be in (0, 100), got %f", c.TrainingPercentile)
	}
	if c.TestingPercentile <= 0 || c.TestingPercentile >= 100 {
		return fmt.Errorf("testing percentile must be in (0, 100), got %f", c.TestingPercentile)
	}
	if c.Device != "cpu" {
		return fmt.Errorf("unsupported device %q, only cpu is available", c.Device)
	}
	if _, err := layers.ParseCellKind(c.CellType); err != nil {
		return err
	}
	return nil
}

// FitMetadata holds everything derived from the training panel during fit:
// the category and series vocabularies, the panel dimensions and the
// inferred frequency. Populated once at the end of validation.
type FitMetadata struct {
	ExogenousSize int
	NSeries       int
	CategoryToIdx map[string]int
	SeriesToIdx   map[string]int
	Frequency     data.Frequency
}
