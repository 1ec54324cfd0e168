package controller

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/detector"
	"github.com/cepro/skylinecontroller/registers"
)

const (
	// excessInvocationPeriod is the minimum time between runs of the excess power controller
	excessInvocationPeriod = 60 * time.Second

	// feedInStepW is the resolution of the feed in limit that the inverters accept
	feedInStepW = 50

	// maxFeedInW is the largest feed in step that fits the 16 bit limit register
	maxFeedInW = math.MaxUint16 / feedInStepW * feedInStepW
)

// ExcessPowerController steers the grid feed in limit of the inverters to follow the averaged excess solar power,
// biased towards a target battery state of charge.
//
// It is a one-way optimiser rather than a PID loop: there is no integral or derivative term, and changes are held back
// by two hysteresis bands so that a slow and write-unreliable actuator is not chased around by noise. Small changes
// are always suppressed, medium changes are suppressed if there was a recent commit, and large changes always go through.
type ExcessPowerController struct {
	settings      config.ExcessConfig
	pollInterval  time.Duration
	inverterCount int

	lastInvocation time.Time
	lastCommittedW int64 // -1 until the first commit
	lastCommitTime time.Time

	logger *slog.Logger
}

// FeedInDecision is the outcome of one run of the excess power controller.
type FeedInDecision struct {
	Commit          bool  // true if FeedInW should be written to the inverters
	FeedInW         int64 // the per-inverter feed in limit
	AverageExcessKW float64
	SoCBiasKW       float64
	Reason          string // why nothing was committed
}

func NewExcessPowerController(settings config.ExcessConfig, pollInterval time.Duration, inverterCount int) *ExcessPowerController {
	if inverterCount < 1 {
		inverterCount = 1
	}
	return &ExcessPowerController{
		settings:       settings,
		pollInterval:   pollInterval,
		inverterCount:  inverterCount,
		lastCommittedW: -1,
		logger:         slog.Default().With("component", "excess_power"),
	}
}

func (e *ExcessPowerController) Settings() config.ExcessConfig {
	return e.settings
}

// SetSettings replaces the tunables. It must be called from the same goroutine as the controller runs on.
func (e *ExcessPowerController) SetSettings(settings config.ExcessConfig) {
	e.settings = settings
}

// LastCommittedW returns the last committed per-inverter feed in limit, or -1 if nothing has been committed.
func (e *ExcessPowerController) LastCommittedW() int64 {
	return e.lastCommittedW
}

// AveragingSamples returns how many poll samples of excess power are averaged over.
func (e *ExcessPowerController) AveragingSamples() int {
	return detector.Samples(e.settings.AveragingPeriod, e.pollInterval)
}

// ShouldRun returns true if the controller is due to run. It only runs when matching is enabled, the inverters
// are in feed in priority mode, and at least a minute has passed since the previous run. The minute is counted from
// the first call.
func (e *ExcessPowerController) ShouldRun(workMode registers.WorkMode, now time.Time) bool {
	if e.lastInvocation.IsZero() {
		e.lastInvocation = now
		return false
	}
	if !e.settings.Enabled || workMode != registers.WorkModeFeedInPriority {
		return false
	}
	if now.Sub(e.lastInvocation) < excessInvocationPeriod {
		return false
	}
	e.lastInvocation = now
	return true
}

// Decide calculates the feed in limit for the averaged excess solar power `avgExcessKW` and the battery state of
// charge `socPct`. When the decision is to commit, the new limit is recorded as the last committed value.
func (e *ExcessPowerController) Decide(avgExcessKW, socPct float64, now time.Time) FeedInDecision {
	decision := FeedInDecision{
		AverageExcessKW: avgExcessKW,
	}

	targetKW := avgExcessKW
	// the state of charge only steers the limit when there is actually excess solar to export
	if avgExcessKW > 0 {
		decision.SoCBiasKW = e.socBias(socPct)
		targetKW += decision.SoCBiasKW
	}

	maxExportKW := float64(e.settings.MaxExportW) / 1000
	if targetKW > maxExportKW {
		e.logger.Info("Limiting export", "requested_kw", targetKW, "limit_kw", maxExportKW)
		targetKW = maxExportKW
	}
	if targetKW < 0 {
		targetKW = 0
	}

	perInverterW := int64(targetKW * 1000 / float64(e.inverterCount))
	if perInverterW < e.settings.MinFeedInW {
		perInverterW = e.settings.MinFeedInW
	}
	if perInverterW > maxFeedInW {
		perInverterW = maxFeedInW
	}
	decision.FeedInW = perInverterW

	reason, ok := e.rateLimit(perInverterW, now)
	if !ok {
		decision.Reason = reason
		e.logger.Info("Not changing feed in", "reason", reason, "feed_in_w", perInverterW, "last_committed_w", e.lastCommittedW)
		return decision
	}

	decision.FeedInW = quantize(perInverterW)
	decision.Commit = true

	e.lastCommittedW = decision.FeedInW
	e.lastCommitTime = now

	e.logger.Info(
		"Setting feed in",
		"feed_in_w", decision.FeedInW,
		"average_excess_kw", avgExcessKW,
		"soc_bias_kw", decision.SoCBiasKW,
		"soc", socPct,
		"target_soc", e.settings.TargetSoC,
	)

	return decision
}

// socBias returns the correction in kW that pulls the battery towards the target state of charge: above the target
// more is exported, below it less. The correction is limited to the maximum deviation either way.
func (e *ExcessPowerController) socBias(socPct float64) float64 {
	bias := (socPct - e.settings.TargetSoC) * e.settings.RateKWPerPct
	maxDev := e.settings.MaxSoCDeviationKW
	if bias > maxDev {
		return maxDev
	}
	if bias < -maxDev {
		return -maxDev
	}
	return bias
}

// rateLimit decides if a change to `newW` is big enough, or the last commit old enough, for it to be worth writing.
func (e *ExcessPowerController) rateLimit(newW int64, now time.Time) (string, bool) {
	if e.lastCommittedW < 0 {
		return "", true
	}

	delta := newW - e.lastCommittedW
	if delta == 0 {
		return "no change", false
	}

	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}

	// small changes are only worth making when heading down to the minimum
	if absDelta < e.settings.SlowChangeThresholdW && newW > e.settings.MinFeedInW {
		return fmt.Sprintf("change of %dW is below the slow change threshold", delta), false
	}

	if absDelta < e.settings.RapidChangeThresholdW && now.Sub(e.lastCommitTime) < e.settings.SlowChangePeriod {
		return fmt.Sprintf("change of %dW is too soon after the last change", delta), false
	}

	return "", true
}

// quantize rounds the feed in limit up to the next step that the inverters accept.
func quantize(w int64) int64 {
	return int64(math.Ceil(float64(w)/feedInStepW)) * feedInStepW
}
