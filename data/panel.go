// Package data holds the panel schema, the long-to-wide reshaping and the
// windowed batch iterator that feeds the hybrid network.
package data

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Record is one long-format observation. Input panels carry the exogenous
// category in X; target panels carry the value in Y; benchmark panels carry
// the benchmark prediction in Y.
type Record struct {
	UniqueID string
	Ds       time.Time
	X        string
	Y        float64
}

// Panel is a long-format collection of observations across many series.
type Panel []Record

// SeriesMeta identifies one series of the wide representation.
type SeriesMeta struct {
	UniqueID string
	Category string
	LastDs   time.Time
}

// ValidateInput checks the schema of an input panel: unique_id, ds and the
// exogenous covariate must all be present on every record.
func ValidateInput(p Panel) error {
	if len(p) == 0 {
		return fmt.Errorf("empty panel")
	}
	for i, r := range p {
		if r.UniqueID == "" {
			return fmt.Errorf("record %d: missing unique_id", i)
		}
		if r.Ds.IsZero() {
			return fmt.Errorf("record %d: missing ds", i)
		}
		if r.X == "" {
			return fmt.Errorf("record %d: missing exogenous covariate x", i)
		}
	}
	return nil
}

// ValidateTarget checks the schema of a target panel.
func ValidateTarget(p Panel) error {
	if len(p) == 0 {
		return fmt.Errorf("empty panel")
	}
	for i, r := range p {
		if r.UniqueID == "" {
			return fmt.Errorf("record %d: missing unique_id", i)
		}
		if r.Ds.IsZero() {
			return fmt.Errorf("record %d: missing ds", i)
		}
	}
	return nil
}

// LongToWide pivots aligned input and target panels into the wide arrays the
// iterator consumes: one SeriesMeta per series (category and last observed
// date) and one row of target values per series on the common sorted
// timestamp index, NaN where a series lacks an observation. The two panels
// must be row-aligned on (unique_id, ds).
func LongToWide(x, y Panel) ([]SeriesMeta, [][]float64, error) {
	if len(x) != len(y) {
		return nil, nil, fmt.Errorf("input and target panels differ in length: %d vs %d", len(x), len(y))
	}
	for i := range x {
		if x[i].UniqueID != y[i].UniqueID || !x[i].Ds.Equal(y[i].Ds) {
			return nil, nil, fmt.Errorf("input and target panels are misaligned at row %d", i)
		}
	}

	// Common sorted timestamp index.
	tsSet := make(map[int64]time.Time)
	for _, r := range x {
		tsSet[r.Ds.UnixNano()] = r.Ds
	}
	timestamps := make([]time.Time, 0, len(tsSet))
	for _, t := range tsSet {
		timestamps = append(timestamps, t)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })
	tsIdx := make(map[int64]int, len(timestamps))
	for i, t := range timestamps {
		tsIdx[t.UnixNano()] = i
	}

	// Group per series, keeping the first category and the latest date.
	type seriesAcc struct {
		meta SeriesMeta
		row  []float64
	}
	acc := make(map[string]*seriesAcc)
	var ids []string
	for i, r := range x {
		sa, ok := acc[r.UniqueID]
		if !ok {
			row := make([]float64, len(timestamps))
			for j := range row {
				row[j] = math.NaN()
			}
			sa = &seriesAcc{meta: SeriesMeta{UniqueID: r.UniqueID, Category: r.X}, row: row}
			acc[r.UniqueID] = sa
			ids = append(ids, r.UniqueID)
		}
		if r.Ds.After(sa.meta.LastDs) {
			sa.meta.LastDs = r.Ds
		}
		sa.row[tsIdx[r.Ds.UnixNano()]] = y[i].Y
	}

	sort.Strings(ids)
	meta := make([]SeriesMeta, len(ids))
	wide := make([][]float64, len(ids))
	for i, id := range ids {
		meta[i] = acc[id].meta
		wide[i] = acc[id].row
	}
	return meta, wide, nil
}

// UniqueCategories returns the sorted distinct exogenous categories of an
// input panel, the vocabulary for the one-hot encoding.
func UniqueCategories(p Panel) []string {
	seen := make(map[string]bool)
	var cats []string
	for _, r := range p {
		if !seen[r.X] {
			seen[r.X] = true
			cats = append(cats, r.X)
		}
	}
	sort.Strings(cats)
	return cats
}
