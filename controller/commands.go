package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/inverter"
	"github.com/cepro/skylinecontroller/registers"
)

// Names of the excess power controller settings that can be changed at runtime
const (
	SettingMatchFeedInToExcess  = "match_feed_in_to_excess_power"
	SettingTargetSoC            = "excess_target_soc"
	SettingRateSoC              = "excess_rate_soc"
	SettingMinFeedInRate        = "excess_min_feed_in_rate"
	SettingRapidChangeThreshold = "excess_rapid_change_threshold"
	SettingSlowChangeThreshold  = "excess_slow_change_threshold"
	SettingSlowChangePeriod     = "excess_slow_change_period_seconds"
	SettingAveragingPeriod      = "excess_averaging_period_seconds"
	SettingMaxSoCDeviation      = "excess_max_soc_deviation_kw"
	SettingMaxExport            = "excess_max_export_w"
)

// Command is a change requested by the user, applied between poll cycles.
//
// When `Serial` is empty, `Name` is one of the Setting* names and changes the excess power controller. Otherwise
// `Name` is one of registers.Adjustables and `Value` is written to that inverter.
type Command struct {
	Serial string
	Name   string
	Value  float64
	Time   time.Time // when the command was issued, time.Now() is used if unset

	Result chan<- error // optional, receives the outcome of the command once it has been applied
}

// Setting describes a runtime setting of the excess power controller.
type Setting struct {
	Name  string
	Unit  string
	Min   float64
	Max   float64
	Step  float64
	get   func(s config.ExcessConfig) float64
	apply func(s *config.ExcessConfig, value float64)
}

// Get returns the current value of the setting.
func (s Setting) Get(settings config.ExcessConfig) float64 {
	return s.get(settings)
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}

func fromSeconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Settings is the set of runtime settings, keyed by name.
var Settings = map[string]Setting{
	SettingMatchFeedInToExcess: {
		Name: SettingMatchFeedInToExcess, Min: 0, Max: 1, Step: 1,
		get:   func(s config.ExcessConfig) float64 { return boolToFloat(s.Enabled) },
		apply: func(s *config.ExcessConfig, v float64) { s.Enabled = v != 0 },
	},
	SettingTargetSoC: {
		Name: SettingTargetSoC, Unit: "%", Min: 0, Max: 100, Step: 1,
		get:   func(s config.ExcessConfig) float64 { return s.TargetSoC },
		apply: func(s *config.ExcessConfig, v float64) { s.TargetSoC = v },
	},
	SettingRateSoC: {
		Name: SettingRateSoC, Unit: "kW", Min: 0, Max: 5, Step: 0.05,
		get:   func(s config.ExcessConfig) float64 { return s.RateKWPerPct },
		apply: func(s *config.ExcessConfig, v float64) { s.RateKWPerPct = v },
	},
	SettingMinFeedInRate: {
		Name: SettingMinFeedInRate, Unit: "W", Min: 0, Max: config.MaxMinFeedInW, Step: 50,
		get:   func(s config.ExcessConfig) float64 { return float64(s.MinFeedInW) },
		apply: func(s *config.ExcessConfig, v float64) { s.MinFeedInW = int64(v) },
	},
	SettingRapidChangeThreshold: {
		Name: SettingRapidChangeThreshold, Unit: "W", Min: 0, Max: 6000, Step: 50,
		get:   func(s config.ExcessConfig) float64 { return float64(s.RapidChangeThresholdW) },
		apply: func(s *config.ExcessConfig, v float64) { s.RapidChangeThresholdW = int64(v) },
	},
	SettingSlowChangeThreshold: {
		Name: SettingSlowChangeThreshold, Unit: "W", Min: 0, Max: 6000, Step: 50,
		get:   func(s config.ExcessConfig) float64 { return float64(s.SlowChangeThresholdW) },
		apply: func(s *config.ExcessConfig, v float64) { s.SlowChangeThresholdW = int64(v) },
	},
	SettingSlowChangePeriod: {
		Name: SettingSlowChangePeriod, Unit: "s", Min: 0, Max: 3600, Step: 10,
		get:   func(s config.ExcessConfig) float64 { return seconds(s.SlowChangePeriod) },
		apply: func(s *config.ExcessConfig, v float64) { s.SlowChangePeriod = fromSeconds(v) },
	},
	SettingAveragingPeriod: {
		Name: SettingAveragingPeriod, Unit: "s", Min: 10, Max: 3600, Step: 10,
		get:   func(s config.ExcessConfig) float64 { return seconds(s.AveragingPeriod) },
		apply: func(s *config.ExcessConfig, v float64) { s.AveragingPeriod = fromSeconds(v) },
	},
	SettingMaxSoCDeviation: {
		Name: SettingMaxSoCDeviation, Unit: "kW", Min: 0, Max: 20, Step: 0.5,
		get:   func(s config.ExcessConfig) float64 { return s.MaxSoCDeviationKW },
		apply: func(s *config.ExcessConfig, v float64) { s.MaxSoCDeviationKW = v },
	},
	SettingMaxExport: {
		Name: SettingMaxExport, Unit: "W", Min: 0, Max: config.MaxExportW, Step: 100,
		get:   func(s config.ExcessConfig) float64 { return float64(s.MaxExportW) },
		apply: func(s *config.ExcessConfig, v float64) { s.MaxExportW = int64(v) },
	},
}

// handleCommand applies a user command. Register writes are followed by an immediate poll so that the new value
// is read back straight away.
func (c *Controller) handleCommand(cmd Command) {
	now := cmd.Time
	if now.IsZero() {
		now = time.Now()
	}

	var err error
	if cmd.Serial == "" {
		err = c.applySetting(cmd.Name, cmd.Value)
	} else {
		err = c.writeAdjustable(cmd.Serial, cmd.Name, cmd.Value, now)
		// a failed write is still tracked and will be retried from the read-back
		var writeErr *inverter.WriteError
		if err == nil || errors.As(err, &writeErr) {
			c.PollCycle(now)
		}
	}

	if err != nil {
		c.logger.Warn("Failed to apply command", "serial", cmd.Serial, "name", cmd.Name, "value", cmd.Value, "error", err)
	}
	if cmd.Result != nil {
		sendIfNonBlocking(cmd.Result, err, "command result")
	}
}

// applySetting changes one of the excess power controller settings and persists the new settings.
func (c *Controller) applySetting(name string, value float64) error {
	setting, ok := Settings[name]
	if !ok {
		return fmt.Errorf("unknown setting '%s'", name)
	}
	if value < setting.Min || value > setting.Max {
		return fmt.Errorf("setting '%s' value %v is outside %v to %v", name, value, setting.Min, setting.Max)
	}

	settings := c.excess.Settings()
	setting.apply(&settings, value)
	err := settings.Validate()
	if err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}

	c.excess.SetSettings(settings)
	c.logger.Info("Changed setting", "name", name, "value", value)

	if c.config.Store != nil {
		err = c.config.Store.SaveSettings(settings)
		if err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}

	return nil
}

// writeAdjustable writes a user facing value to one of the adjustable registers of the inverter with the given serial.
func (c *Controller) writeAdjustable(serial, name string, value float64, now time.Time) error {
	inv := c.findInverter(serial)
	if inv == nil {
		return fmt.Errorf("unknown inverter '%s'", serial)
	}

	adjustable, ok := registers.Adjustables[name]
	if !ok {
		return fmt.Errorf("unknown register '%s'", name)
	}

	n := len(c.inverters)
	if value < adjustable.Min || value > adjustable.MaxFor(n) {
		return fmt.Errorf("register '%s' value %v is outside %v to %v", name, value, adjustable.Min, adjustable.MaxFor(n))
	}

	return inv.WriteRegister(adjustable.Register, adjustable.ToRaw(value, n), now)
}
