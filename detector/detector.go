package detector

import (
	"math"
	"time"
)

// Direction is the direction of power flow at the grid connection.
type Direction int

const (
	Import Direction = iota
	Export
)

func (d Direction) String() string {
	if d == Export {
		return "export"
	}
	return "import"
}

// Classify returns true if the window shows a sustained flow in the given direction: the window must hold at least
// `minSamples` samples and every sample must be beyond `threshold` in that direction (above `threshold` for import,
// below `-threshold` for export). A single sample inside the band resets the detection.
func Classify(window []float64, direction Direction, minSamples int, threshold float64) bool {
	if len(window) < minSamples {
		return false
	}

	for _, sample := range window {
		switch direction {
		case Import:
			if sample <= threshold {
				return false
			}
		case Export:
			if sample >= -threshold {
				return false
			}
		}
	}
	return true
}

// Samples returns the number of poll samples that span `duration`, rounded up.
func Samples(duration, pollInterval time.Duration) int {
	if pollInterval <= 0 {
		return 1
	}
	return int(math.Ceil(duration.Seconds() / pollInterval.Seconds()))
}
