// Command esrnn trains the hybrid forecaster on long-format CSV panels and
// writes the forecast panel back out as CSV. All settings come from the
// environment with the ESRNN_ prefix.
package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/forecastworks/esrnn/data"
	"github.com/forecastworks/esrnn/esrnn"
)

type appConfig struct {
	TrainInput   string `envconfig:"TRAIN_INPUT" required:"true"`
	TrainTarget  string `envconfig:"TRAIN_TARGET" required:"true"`
	PredictInput string `envconfig:"PREDICT_INPUT"`
	Output       string `envconfig:"OUTPUT" default:"forecast.csv"`

	MaxEpochs    int     `envconfig:"MAX_EPOCHS" default:"15"`
	BatchSize    int     `envconfig:"BATCH_SIZE" default:"1"`
	LearningRate float64 `envconfig:"LEARNING_RATE" default:"0.001"`
	InputSize    int     `envconfig:"INPUT_SIZE" default:"4"`
	OutputSize   int     `envconfig:"OUTPUT_SIZE" default:"8"`
	Seasonality  int     `envconfig:"SEASONALITY" default:"4"`
	CellType     string  `envconfig:"CELL_TYPE" default:"LSTM"`
	StateHSize   int     `envconfig:"STATE_HSIZE" default:"40"`
	Ensemble     bool    `envconfig:"ENSEMBLE" default:"false"`
	RandomSeed   int64   `envconfig:"RANDOM_SEED" default:"1"`
	DatasetName  string  `envconfig:"DATASET_NAME" default:"panel"`
	RootDir      string  `envconfig:"ROOT_DIR" default:"./"`
	LogLevel     string  `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	log := logrus.New()

	var app appConfig
	if err := envconfig.Process("esrnn", &app); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if level, err := logrus.ParseLevel(app.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if err := run(app, log); err != nil {
		log.WithError(err).Fatal("training failed")
	}
}

func run(app appConfig, log *logrus.Logger) error {
	cfg := esrnn.DefaultConfig()
	cfg.MaxEpochs = app.MaxEpochs
	cfg.BatchSize = app.BatchSize
	cfg.LearningRate = app.LearningRate
	cfg.InputSize = app.InputSize
	cfg.OutputSize = app.OutputSize
	cfg.Seasonality = []int{app.Seasonality}
	cfg.CellType = app.CellType
	cfg.StateHSize = app.StateHSize
	cfg.Ensemble = app.Ensemble
	cfg.RandomSeed = app.RandomSeed
	cfg.DatasetName = app.DatasetName
	cfg.RootDir = app.RootDir

	model, err := esrnn.New(cfg)
	if err != nil {
		return err
	}
	model.SetLogger(log)

	x, err := readPanel(app.TrainInput, "x")
	if err != nil {
		return fmt.Errorf("reading %s: %v", app.TrainInput, err)
	}
	y, err := readPanel(app.TrainTarget, "y")
	if err != nil {
		return fmt.Errorf("reading %s: %v", app.TrainTarget, err)
	}

	log.WithFields(logrus.Fields{
		"input_rows":  len(x),
		"target_rows": len(y),
	}).Info("loaded training panels")

	if err := model.Fit(x, y, nil); err != nil {
		return err
	}
	if err := model.Save(""); err != nil {
		return err
	}

	// Without a dedicated prediction panel, forecast the full horizon for
	// every training series. A timestamp-free panel of the unique ids merges
	// on id alone instead of on (id, ds).
	predictX := idPanel(x)
	if app.PredictInput != "" {
		predictX, err = readPanel(app.PredictInput, "x")
		if err != nil {
			return fmt.Errorf("reading %s: %v", app.PredictInput, err)
		}
	}
	forecast, err := model.Predict(predictX)
	if err != nil {
		return err
	}
	if err := writePanel(app.Output, forecast); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"rows":   len(forecast),
		"output": app.Output,
	}).Info("wrote forecast")
	return nil
}

// idPanel reduces a panel to one timestamp-free record per unique id,
// preserving first-appearance order.
func idPanel(p data.Panel) data.Panel {
	seen := make(map[string]bool, len(p))
	var out data.Panel
	for _, r := range p {
		if seen[r.UniqueID] {
			continue
		}
		seen[r.UniqueID] = true
		out = append(out, data.Record{UniqueID: r.UniqueID})
	}
	return out
}

// timestamp layouts accepted in the ds column.
var dsLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseDs(s string) (time.Time, error) {
	for _, layout := range dsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// readPanel reads a long-format CSV with header unique_id,ds,<value>. The
// value column is the exogenous category for kind "x" and the float target
// for kind "y".
func readPanel(path, kind string) (data.Panel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("no data rows")
	}

	var panel data.Panel
	for i, row := range rows[1:] {
		if len(row) < 3 {
			return nil, fmt.Errorf("row %d: expected 3 columns, got %d", i+2, len(row))
		}
		ds, err := parseDs(row[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: %v", i+2, err)
		}
		r := data.Record{UniqueID: row[0], Ds: ds}
		if kind == "x" {
			r.X = row[2]
		} else {
			r.Y, err = strconv.ParseFloat(row[2], 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid target %q", i+2, row[2])
			}
		}
		panel = append(panel, r)
	}
	return panel, nil
}

func writePanel(path string, panel data.Panel) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"unique_id", "ds", "y_hat"}); err != nil {
		return err
	}
	for _, r := range panel {
		row := []string{r.UniqueID, r.Ds.Format(time.RFC3339), strconv.FormatFloat(r.Y, 'f', -1, 64)}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
