package controller

import (
	"math"
	"time"
)

// This file contains utilities to help with testing

// almostEqual compares two floats, allowing for the given tolerance
func almostEqual(a, b, tolerance float64) bool {
	if a == b {
		// This is to support infinite float values
		return true
	}

	diff := math.Abs(a - b)
	return diff < tolerance
}

// mustParseTime returns the time.Time associated with the given string or panics.
func mustParseTime(str string) time.Time {
	time, err := time.Parse(time.RFC3339, str)
	if err != nil {
		panic(err)
	}
	return time
}
