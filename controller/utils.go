package controller

import (
	"log/slog"
	"math"

	"github.com/cepro/skylinecontroller/telemetry"
)

// sendIfNonBlocking attempts to send the given value onto the given channel, but will only do so if the operation
// is non-blocking, otherwise it logs a warning message and returns.
func sendIfNonBlocking[V any](ch chan<- V, val V, messageTargetLogStr string) {
	select {
	case ch <- val:
	default:
		slog.Warn("Dropped message", "message_target", messageTargetLogStr)
	}
}

// round returns the value rounded to `places` decimal places.
func round(value float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(value*scale) / scale
}

func kW(value float64, precision int) telemetry.Field {
	return telemetry.Field{Value: value, Unit: "kW", Precision: precision}
}
