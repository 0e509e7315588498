package training

import (
	"math"
)

// LRScheduler computes the learning rate for an epoch as a pure function of
// the base rate, so schedules stay stateless.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// StepLRScheduler reduces the learning rate by a factor every stepSize
// epochs. Both parameter groups of the hybrid model use one, with their own
// decay factors.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}
