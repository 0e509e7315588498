package data

import (
	"fmt"
	"sort"
	"time"
)

// FrequencyKind distinguishes fixed-duration series from calendar-aligned
// ones, whose step is not a constant duration.
type FrequencyKind int

const (
	FreqDuration FrequencyKind = iota
	FreqMonthly
	FreqQuarterly
	FreqYearly
)

// Frequency is the inferred observation cadence of a panel. Step is only
// meaningful for FreqDuration.
type Frequency struct {
	Kind FrequencyKind
	Step time.Duration
}

func (f Frequency) String() string {
	switch f.Kind {
	case FreqMonthly:
		return "M"
	case FreqQuarterly:
		return "Q"
	case FreqYearly:
		return "Y"
	default:
		return f.Step.String()
	}
}

// Equal reports whether two inferred frequencies agree.
func (f Frequency) Equal(o Frequency) bool {
	if f.Kind != o.Kind {
		return false
	}
	return f.Kind != FreqDuration || f.Step == o.Step
}

// Add advances a timestamp by n frequency steps.
func (f Frequency) Add(t time.Time, n int) time.Time {
	switch f.Kind {
	case FreqMonthly:
		return t.AddDate(0, n, 0)
	case FreqQuarterly:
		return t.AddDate(0, 3*n, 0)
	case FreqYearly:
		return t.AddDate(n, 0, 0)
	default:
		return t.Add(time.Duration(n) * f.Step)
	}
}

// inferSample is the number of leading timestamps inspected per series.
const inferSample = 8

// InferFrequency derives the cadence from a panel by inspecting the leading
// timestamps of its first series. It recognizes constant-duration spacing
// and calendar-aligned monthly, quarterly and yearly spacing.
func InferFrequency(p Panel) (Frequency, error) {
	if len(p) == 0 {
		return Frequency{}, fmt.Errorf("cannot infer frequency of an empty panel")
	}

	first := p[0].UniqueID
	var times []time.Time
	for _, r := range p {
		if r.UniqueID == first {
			times = append(times, r.Ds)
		}
		if len(times) == inferSample {
			break
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	if len(times) < 2 {
		return Frequency{}, fmt.Errorf("need at least 2 observations to infer frequency, got %d", len(times))
	}

	if d := times[1].Sub(times[0]); d > 0 {
		constant := true
		for i := 2; i < len(times); i++ {
			if times[i].Sub(times[i-1]) != d {
				constant = false
				break
			}
		}
		if constant {
			return Frequency{Kind: FreqDuration, Step: d}, nil
		}
	}

	for _, cand := range []Frequency{{Kind: FreqMonthly}, {Kind: FreqQuarterly}, {Kind: FreqYearly}} {
		matches := true
		for i := 1; i < len(times); i++ {
			if !cand.Add(times[i-1], 1).Equal(times[i]) {
				matches = false
				break
			}
		}
		if matches {
			return cand, nil
		}
	}
	return Frequency{}, fmt.Errorf("could not infer a regular frequency from timestamps")
}
