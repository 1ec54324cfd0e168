package aggregate

import (
	"errors"
	"fmt"
)

// ErrEmptyWindow is returned when a value is requested from a window that has never been pushed to.
var ErrEmptyWindow = errors.New("window is empty")

// Aggregator holds a set of named, bounded FIFO windows of samples.
//
// When `noAggregation` is set, `Smoothed` returns the most recent raw sample rather than a mean. `Average` always
// returns a true mean and is used for signals that must be smoothed regardless of the switch.
//
// It is not safe for concurrent use: it is owned by the site controller's run loop.
type Aggregator struct {
	windows       map[string][]float64
	noAggregation bool
}

func New(noAggregation bool) *Aggregator {
	return &Aggregator{
		windows:       make(map[string][]float64),
		noAggregation: noAggregation,
	}
}

// NoAggregation returns true if smoothing is switched off.
func (a *Aggregator) NoAggregation() bool {
	return a.noAggregation
}

// Push appends `value` to the named window, first evicting the oldest samples so that the window never holds more
// than `capacity` samples. A capacity below one is treated as one.
func (a *Aggregator) Push(name string, value float64, capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	window := a.windows[name]
	for len(window) >= capacity {
		window = window[1:]
	}
	a.windows[name] = append(window, value)
}

// InsertOnly pushes a value into a window that is only read through `Snapshot`, e.g. a detector lookback.
func (a *Aggregator) InsertOnly(name string, value float64, capacity int) {
	a.Push(name, value, capacity)
}

// Average returns the arithmetic mean of the `count` most recent samples of the named window, or of the whole window
// if it holds fewer than `count` samples.
func (a *Aggregator) Average(name string, count int) (float64, error) {
	window := a.windows[name]
	if len(window) == 0 {
		return 0, fmt.Errorf("average '%s': %w", name, ErrEmptyWindow)
	}
	if count < 1 {
		count = 1
	}
	if count > len(window) {
		count = len(window)
	}

	sum := 0.0
	for _, val := range window[len(window)-count:] {
		sum += val
	}
	return sum / float64(count), nil
}

// Smoothed returns the average of the `count` most recent samples, or the most recent sample when aggregation is switched off.
func (a *Aggregator) Smoothed(name string, count int) (float64, error) {
	if a.noAggregation {
		return a.Last(name)
	}
	return a.Average(name, count)
}

// Aggregate pushes `value` into the named window and returns the smoothed value over `count` samples.
// When `capacity` is below one the window is bounded at `count`.
func (a *Aggregator) Aggregate(name string, value float64, count, capacity int) float64 {
	if capacity < 1 {
		capacity = count
	}
	a.Push(name, value, capacity)

	// the window cannot be empty as we have just pushed to it
	smoothed, _ := a.Smoothed(name, count)
	return smoothed
}

// Last returns the most recently pushed sample of the named window.
func (a *Aggregator) Last(name string) (float64, error) {
	window := a.windows[name]
	if len(window) == 0 {
		return 0, fmt.Errorf("last '%s': %w", name, ErrEmptyWindow)
	}
	return window[len(window)-1], nil
}

// Snapshot returns a copy of the full named window, oldest sample first.
func (a *Aggregator) Snapshot(name string) []float64 {
	window := a.windows[name]
	snapshot := make([]float64, len(window))
	copy(snapshot, window)
	return snapshot
}

// Len returns the number of samples held in the named window.
func (a *Aggregator) Len(name string) int {
	return len(a.windows[name])
}
