package controller

import (
	"testing"
	"time"

	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/registers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExcessSettings() config.ExcessConfig {
	settings := config.DefaultExcess()
	settings.Enabled = true
	return settings
}

// withLastCommit returns a controller that committed `w` at `at`.
func withLastCommit(settings config.ExcessConfig, w int64, at time.Time) *ExcessPowerController {
	e := NewExcessPowerController(settings, 10*time.Second, 1)
	e.lastCommittedW = w
	e.lastCommitTime = at
	return e
}

func TestExcessSmallChangeSuppressed(t *testing.T) {
	t0 := mustParseTime("2024-06-01T12:00:00Z")
	settings := testExcessSettings()
	settings.SlowChangeThresholdW = 100
	settings.RapidChangeThresholdW = 500
	e := withLastCommit(settings, 1000, t0)

	// 1.08kW at the target SoC works out at 1080W, a change of 80W
	decision := e.Decide(1.08, settings.TargetSoC, t0.Add(time.Hour))
	assert.False(t, decision.Commit)
	assert.Equal(t, int64(1080), decision.FeedInW)
	assert.Equal(t, int64(1000), e.LastCommittedW())
}

func TestExcessHysteresisBands(t *testing.T) {
	t0 := mustParseTime("2024-06-01T12:00:00Z")

	type testCase struct {
		name        string
		minFeedInW  int64
		avgExcessKW float64
		sinceCommit time.Duration
		commit      bool
		feedInW     int64
	}
	cases := []testCase{
		{name: "no change", avgExcessKW: 1.0, sinceCommit: time.Hour, commit: false, feedInW: 1000},
		{name: "small change", avgExcessKW: 1.0625, sinceCommit: time.Hour, commit: false, feedInW: 1062},
		{name: "small change down to the minimum", minFeedInW: 950, avgExcessKW: 0, sinceCommit: time.Hour, commit: true, feedInW: 950},
		{name: "small change down to the minimum too soon", minFeedInW: 950, avgExcessKW: 0, sinceCommit: time.Minute, commit: false, feedInW: 950},
		{name: "medium change too soon", avgExcessKW: 1.25, sinceCommit: time.Minute, commit: false, feedInW: 1250},
		{name: "medium change after the slow period", avgExcessKW: 1.25, sinceCommit: 601 * time.Second, commit: true, feedInW: 1250},
		{name: "large change", avgExcessKW: 1.5, sinceCommit: time.Minute, commit: true, feedInW: 1500},
		{name: "large change down", avgExcessKW: 0.5, sinceCommit: time.Second, commit: true, feedInW: 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := testExcessSettings()
			settings.MinFeedInW = tc.minFeedInW
			e := withLastCommit(settings, 1000, t0)

			now := t0.Add(tc.sinceCommit)
			decision := e.Decide(tc.avgExcessKW, settings.TargetSoC, now)
			assert.Equal(t, tc.commit, decision.Commit)
			assert.Equal(t, tc.feedInW, decision.FeedInW)
			if tc.commit {
				assert.Equal(t, tc.feedInW, e.LastCommittedW())
				assert.Equal(t, now, e.lastCommitTime)
			} else {
				assert.NotEmpty(t, decision.Reason)
				assert.Equal(t, int64(1000), e.LastCommittedW())
				assert.Equal(t, t0, e.lastCommitTime)
			}
		})
	}
}

func TestExcessSoCBiasClamped(t *testing.T) {
	for _, rate := range []float64{0.1, 0.3, 1, 5} {
		for _, target := range []float64{0, 20, 50, 90, 100} {
			for soc := 0.0; soc <= 100; soc += 5 {
				settings := testExcessSettings()
				settings.RateKWPerPct = rate
				settings.TargetSoC = target
				e := NewExcessPowerController(settings, 10*time.Second, 1)

				bias := e.socBias(soc)
				require.LessOrEqual(t, bias, settings.MaxSoCDeviationKW, "rate %v target %v soc %v", rate, target, soc)
				require.GreaterOrEqual(t, bias, -settings.MaxSoCDeviationKW, "rate %v target %v soc %v", rate, target, soc)
			}
		}
	}
}

func TestExcessDecide(t *testing.T) {
	t0 := mustParseTime("2024-06-01T12:00:00Z")

	type testCase struct {
		name        string
		inverters   int
		avgExcessKW float64
		soc         float64
		feedInW     int64
		socBiasKW   float64
	}
	cases := []testCase{
		{name: "at target", inverters: 1, avgExcessKW: 2, soc: 90, feedInW: 2000},
		{name: "above target is clamped", inverters: 1, avgExcessKW: 2, soc: 100, feedInW: 5000, socBiasKW: 3},
		{name: "below target is clamped to zero", inverters: 1, avgExcessKW: 2, soc: 50, feedInW: 0, socBiasKW: -3},
		{name: "no bias without excess", inverters: 1, avgExcessKW: -1, soc: 100, feedInW: 0},
		{name: "limited to max export", inverters: 1, avgExcessKW: 10, soc: 90, feedInW: 6000},
		{name: "split across inverters", inverters: 2, avgExcessKW: 10, soc: 90, feedInW: 3000},
		{name: "rounded up to the step", inverters: 1, avgExcessKW: 1.0078125, soc: 90, feedInW: 1050},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := testExcessSettings()
			settings.RateKWPerPct = 1
			e := NewExcessPowerController(settings, 10*time.Second, tc.inverters)

			decision := e.Decide(tc.avgExcessKW, tc.soc, t0)
			assert.True(t, decision.Commit)
			assert.Equal(t, tc.feedInW, decision.FeedInW)
			assert.Equal(t, tc.socBiasKW, decision.SoCBiasKW)
			assert.Equal(t, tc.avgExcessKW, decision.AverageExcessKW)
		})
	}
}

func TestExcessMinimumFeedIn(t *testing.T) {
	settings := testExcessSettings()
	settings.MinFeedInW = 320
	e := NewExcessPowerController(settings, 10*time.Second, 1)

	decision := e.Decide(0.1, settings.TargetSoC, mustParseTime("2024-06-01T12:00:00Z"))
	assert.True(t, decision.Commit)
	// floored at 320 then rounded up to the step
	assert.Equal(t, int64(350), decision.FeedInW)
}

func TestExcessFeedInFitsRegister(t *testing.T) {
	settings := testExcessSettings()
	settings.MinFeedInW = 70000
	settings.MaxExportW = 100000
	e := NewExcessPowerController(settings, 10*time.Second, 1)

	decision := e.Decide(100, settings.TargetSoC, mustParseTime("2024-06-01T12:00:00Z"))
	assert.True(t, decision.Commit)
	assert.Equal(t, int64(65500), decision.FeedInW)
	assert.Equal(t, int64(65500), e.LastCommittedW())
}

func TestExcessQuantization(t *testing.T) {
	t0 := mustParseTime("2024-06-01T12:00:00Z")
	e := NewExcessPowerController(testExcessSettings(), 10*time.Second, 3)

	now := t0
	for avg := 0.0; avg < 20; avg += 0.137 {
		now = now.Add(time.Hour)
		decision := e.Decide(avg, 70, now)
		if decision.Commit {
			assert.Zero(t, decision.FeedInW%feedInStepW, "avg %v gave %d", avg, decision.FeedInW)
			assert.GreaterOrEqual(t, decision.FeedInW, int64(0))
		}
	}
	assert.GreaterOrEqual(t, e.LastCommittedW(), int64(0))
}

func TestQuantize(t *testing.T) {
	assert.Equal(t, int64(0), quantize(0))
	assert.Equal(t, int64(50), quantize(1))
	assert.Equal(t, int64(50), quantize(50))
	assert.Equal(t, int64(100), quantize(51))
	assert.Equal(t, int64(3000), quantize(2951))
}

func TestExcessShouldRun(t *testing.T) {
	t0 := mustParseTime("2024-06-01T12:00:00Z")
	e := NewExcessPowerController(testExcessSettings(), 10*time.Second, 1)

	// the first call only starts the clock
	assert.False(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0))
	assert.False(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0.Add(30*time.Second)))
	assert.True(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0.Add(60*time.Second)))
	assert.False(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0.Add(90*time.Second)))
	assert.False(t, e.ShouldRun(registers.WorkModeSelfConsumption, t0.Add(150*time.Second)))
	assert.True(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0.Add(150*time.Second)))

	settings := e.Settings()
	settings.Enabled = false
	e.SetSettings(settings)
	assert.False(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0.Add(time.Hour)))
}

func TestExcessShouldRunStartsClockWhenDisabled(t *testing.T) {
	t0 := mustParseTime("2024-06-01T12:00:00Z")
	settings := testExcessSettings()
	settings.Enabled = false
	e := NewExcessPowerController(settings, 10*time.Second, 1)

	assert.False(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0))

	settings.Enabled = true
	e.SetSettings(settings)
	assert.False(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0.Add(59*time.Second)))
	assert.True(t, e.ShouldRun(registers.WorkModeFeedInPriority, t0.Add(60*time.Second)))
}

func TestExcessAveragingSamples(t *testing.T) {
	settings := testExcessSettings()
	settings.AveragingPeriod = 300 * time.Second
	assert.Equal(t, 30, NewExcessPowerController(settings, 10*time.Second, 1).AveragingSamples())

	settings.AveragingPeriod = 25 * time.Second
	assert.Equal(t, 3, NewExcessPowerController(settings, 10*time.Second, 1).AveragingSamples())
}
