package optimizer

import (
	"math"

	"github.com/forecastworks/esrnn/tensor"
)

// ClipGradNorm rescales the gradients of a parameter group so their global
// L2 norm does not exceed maxNorm, treating the whole group as one vector.
// It returns the pre-clipping norm. A non-positive maxNorm disables
// clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		for _, g := range grad.Data {
			total += g * g
		}
	}
	norm := math.Sqrt(total)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}

	scale := maxNorm / (norm + 1e-12)
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		for i := range grad.Data {
			grad.Data[i] *= scale
		}
	}
	return norm
}
