package progress

import (
	"fmt"
	"math"

	"github.com/forgepulse/forgepulse/internal/event"
)

// Weights maps every phase to its share of overall progress. A valid Weights
// covers all six phases and sums to 1.0.
type Weights map[event.Phase]float64

// weightEpsilon tolerates float representation error in the sum check.
const weightEpsilon = 1e-9

// ParseWeights converts config phase-name weights to typed Weights,
// rejecting unknown phases, missing phases, and sums other than 1.0.
func ParseWeights(byName map[string]float64) (Weights, error) {
	w := make(Weights, len(byName))
	var sum float64
	for name, v := range byName {
		p, err := event.ParsePhase(name)
		if err != nil {
			return nil, fmt.Errorf("phase weights: %w", err)
		}
		if v < 0 {
			return nil, fmt.Errorf("phase weights: %s must not be negative", name)
		}
		w[p] = v
		sum += v
	}
	if len(w) != len(event.Phases()) {
		return nil, fmt.Errorf("phase weights: want %d phases, got %d", len(event.Phases()), len(w))
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return nil, fmt.Errorf("phase weights: must sum to 1.0, got %.6f", sum)
	}
	return w, nil
}
