package data

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// IteratorConfig carries the window and batching geometry the iterator
// needs from the model configuration.
type IteratorConfig struct {
	InputSize       int
	OutputSize      int
	BatchSize       int
	MaxSeriesLength int
}

// Batch groups a set of series for one forward pass. Series histories stay
// jagged; the network runs the smoothing recursion over the full history
// and extracts windows at the recorded offsets.
type Batch struct {
	Indices    []int
	Categories []string
	Series     [][]float64
	Offsets    []int

	inputSize  int
	outputSize int
}

// InputWindow returns the raw input window of batch member i.
func (b *Batch) InputWindow(i int) []float64 {
	o := b.Offsets[i]
	return b.Series[i][o : o+b.inputSize]
}

// TargetWindow returns the raw target window of batch member i.
func (b *Batch) TargetWindow(i int) []float64 {
	o := b.Offsets[i] + b.inputSize
	return b.Series[i][o : o+b.outputSize]
}

// Size returns the number of series in the batch.
func (b *Batch) Size() int { return len(b.Indices) }

// Iterator slices a wide panel into training and evaluation batches of
// sliding windows. Series too short for one full window are dropped at
// construction; the count stays observable through Dropped.
type Iterator struct {
	cfg IteratorConfig

	meta    []SeriesMeta
	series  [][]float64
	order   []int
	offsets []int

	batchSize int
	nBatches  int
	cursor    int
	dropped   int
}

// NewIterator builds the iterator from the wide arrays produced by
// LongToWide. Each series is compacted (NaN gaps removed), chopped to the
// last MaxSeriesLength observations, and dropped when shorter than
// InputSize+OutputSize. Kept series are ordered by length so similarly
// sized series share a batch.
func NewIterator(cfg IteratorConfig, meta []SeriesMeta, wide [][]float64) (*Iterator, error) {
	if cfg.InputSize <= 0 || cfg.OutputSize <= 0 {
		return nil, fmt.Errorf("window sizes must be positive, got input %d output %d", cfg.InputSize, cfg.OutputSize)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if len(meta) != len(wide) {
		return nil, fmt.Errorf("meta and wide arrays differ in length: %d vs %d", len(meta), len(wide))
	}

	minLen := cfg.InputSize + cfg.OutputSize
	it := &Iterator{cfg: cfg, batchSize: cfg.BatchSize}
	for i, row := range wide {
		trimmed := make([]float64, 0, len(row))
		for _, v := range row {
			if !math.IsNaN(v) {
				trimmed = append(trimmed, v)
			}
		}
		if len(trimmed) < minLen {
			it.dropped++
			continue
		}
		if cfg.MaxSeriesLength > 0 && len(trimmed) > cfg.MaxSeriesLength {
			trimmed = trimmed[len(trimmed)-cfg.MaxSeriesLength:]
		}
		it.meta = append(it.meta, meta[i])
		it.series = append(it.series, trimmed)
	}
	if len(it.series) == 0 {
		return nil, fmt.Errorf("no series long enough for input %d + output %d", cfg.InputSize, cfg.OutputSize)
	}

	// Group similarly sized series into the same batch; ties stay in id
	// order for deterministic output.
	idx := make([]int, len(it.series))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if len(it.series[idx[a]]) != len(it.series[idx[b]]) {
			return len(it.series[idx[a]]) > len(it.series[idx[b]])
		}
		return it.meta[idx[a]].UniqueID < it.meta[idx[b]].UniqueID
	})
	sortedMeta := make([]SeriesMeta, len(idx))
	sortedSeries := make([][]float64, len(idx))
	for i, j := range idx {
		sortedMeta[i] = it.meta[j]
		sortedSeries[i] = it.series[j]
	}
	it.meta = sortedMeta
	it.series = sortedSeries

	it.order = make([]int, len(it.series))
	it.offsets = make([]int, len(it.series))
	for i := range it.order {
		it.order[i] = i
		it.offsets[i] = it.maxOffset(i)
	}
	it.recomputeBatches()
	return it, nil
}

// maxOffset is the largest valid window start for series i.
func (it *Iterator) maxOffset(i int) int {
	return len(it.series[i]) - it.cfg.InputSize - it.cfg.OutputSize
}

func (it *Iterator) recomputeBatches() {
	it.nBatches = (len(it.series) + it.batchSize - 1) / it.batchSize
	it.cursor = 0
}

// NSeries returns the number of usable series.
func (it *Iterator) NSeries() int { return len(it.series) }

// NBatches returns the batches per full pass; GetBatch must be called this
// many times to cover every series once.
func (it *Iterator) NBatches() int { return it.nBatches }

// Dropped returns how many series were excluded as too short.
func (it *Iterator) Dropped() int { return it.dropped }

// Meta returns the per-series metadata in iterator order.
func (it *Iterator) Meta() []SeriesMeta { return it.meta }

// SeriesLength returns the usable history length of series i.
func (it *Iterator) SeriesLength(i int) int { return len(it.series[i]) }

// ShuffleDataset deterministically reassigns series to batches and redraws
// each series' window offset from the given seed. Call once per epoch when
// shuffling is enabled.
func (it *Iterator) ShuffleDataset(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	it.order = rng.Perm(len(it.series))
	for i := range it.offsets {
		it.offsets[i] = rng.Intn(it.maxOffset(i) + 1)
	}
	it.cursor = 0
}

// ResetOffsets pins every series' window to the latest valid position, the
// fixed evaluation windowing.
func (it *Iterator) ResetOffsets() {
	for i := range it.offsets {
		it.offsets[i] = it.maxOffset(i)
	}
}

// GetBatch returns the next batch in round-robin order, wrapping after
// NBatches calls.
func (it *Iterator) GetBatch() *Batch {
	start := it.cursor * it.batchSize
	end := start + it.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	it.cursor = (it.cursor + 1) % it.nBatches

	members := it.order[start:end]
	batch := &Batch{
		Indices:    make([]int, len(members)),
		Categories: make([]string, len(members)),
		Series:     make([][]float64, len(members)),
		Offsets:    make([]int, len(members)),
		inputSize:  it.cfg.InputSize,
		outputSize: it.cfg.OutputSize,
	}
	for i, idx := range members {
		batch.Indices[i] = idx
		batch.Categories[i] = it.meta[idx].Category
		batch.Series[i] = it.series[idx]
		batch.Offsets[i] = it.offsets[idx]
	}
	return batch
}

// UpdateBatchSize reconfigures batching, used to switch between training
// and evaluation batch sizes. Calling it again with the original size
// restores the original batch composition.
func (it *Iterator) UpdateBatchSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", n)
	}
	it.batchSize = n
	it.recomputeBatches()
	return nil
}
