package esrnn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// EvaluationSeries gathers the aligned arrays one series contributes to the
// benchmark comparison: its training history, the observed horizon, the
// model forecast and the benchmark forecast.
type EvaluationSeries struct {
	UniqueID  string
	Insample  []float64
	Actual    []float64
	Forecast  []float64
	Benchmark []float64
}

// OWA scores the model against the benchmark over a panel: the mean absolute
// scaled error (scaled by the seasonal naive in-sample error), the symmetric
// mean absolute percentage error, and their average relative to the
// benchmark's own scores, the M4 overall weighted average.
func OWA(series []EvaluationSeries, seasonality int) (owa, modelMASE, modelSMAPE float64, err error) {
	if len(series) == 0 {
		return 0, 0, 0, fmt.Errorf("no series to evaluate")
	}
	if seasonality <= 0 {
		return 0, 0, 0, fmt.Errorf("seasonality must be positive, got %d", seasonality)
	}

	maseModel := make([]float64, len(series))
	maseBench := make([]float64, len(series))
	smapeModel := make([]float64, len(series))
	smapeBench := make([]float64, len(series))

	for i, s := range series {
		if len(s.Actual) == 0 || len(s.Actual) != len(s.Forecast) || len(s.Actual) != len(s.Benchmark) {
			return 0, 0, 0, fmt.Errorf("series %s: horizon arrays misaligned (%d actual, %d forecast, %d benchmark)",
				s.UniqueID, len(s.Actual), len(s.Forecast), len(s.Benchmark))
		}
		scale, err := naiveScale(s.Insample, seasonality)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("series %s: %v", s.UniqueID, err)
		}
		maseModel[i] = meanAbsError(s.Actual, s.Forecast) / scale
		maseBench[i] = meanAbsError(s.Actual, s.Benchmark) / scale
		smapeModel[i] = smape(s.Actual, s.Forecast)
		smapeBench[i] = smape(s.Actual, s.Benchmark)
	}

	modelMASE = stat.Mean(maseModel, nil)
	modelSMAPE = stat.Mean(smapeModel, nil) * 100
	benchMASE := stat.Mean(maseBench, nil)
	benchSMAPE := stat.Mean(smapeBench, nil) * 100
	if benchMASE == 0 || benchSMAPE == 0 {
		return 0, 0, 0, fmt.Errorf("benchmark errors are zero, relative scores undefined")
	}

	owa = (modelMASE/benchMASE + modelSMAPE/benchSMAPE) / 2
	return owa, modelMASE, modelSMAPE, nil
}

// naiveScale is the in-sample mean absolute error of the seasonal naive
// forecast, the MASE denominator.
func naiveScale(insample []float64, seasonality int) (float64, error) {
	if len(insample) <= seasonality {
		return 0, fmt.Errorf("insample length %d too short for seasonality %d", len(insample), seasonality)
	}
	total := 0.0
	for t := seasonality; t < len(insample); t++ {
		total += math.Abs(insample[t] - insample[t-seasonality])
	}
	scale := total / float64(len(insample)-seasonality)
	if scale == 0 {
		return 0, fmt.Errorf("constant in-sample history, scaled error undefined")
	}
	return scale, nil
}

func meanAbsError(y, yHat []float64) float64 {
	total := 0.0
	for i := range y {
		total += math.Abs(y[i] - yHat[i])
	}
	return total / float64(len(y))
}

// smape is the symmetric mean absolute percentage error on the unit scale;
// zero actual and forecast contribute zero.
func smape(y, yHat []float64) float64 {
	total := 0.0
	for i := range y {
		den := math.Abs(y[i]) + math.Abs(yHat[i])
		if den == 0 {
			continue
		}
		total += 2 * math.Abs(y[i]-yHat[i]) / den
	}
	return total / float64(len(y))
}
