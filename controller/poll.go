package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/cepro/skylinecontroller/detector"
	"github.com/cepro/skylinecontroller/inverter"
	"github.com/cepro/skylinecontroller/registers"
	"github.com/cepro/skylinecontroller/telemetry"
	"github.com/google/uuid"
)

const (
	siteDeviceID = "skyline"

	gridLoadSmoothing    = 30 * time.Second
	consumerLoadAverage  = 60 * time.Second
	sitePVPowerAverage   = 60 * time.Second
	averageExcessPVPower = "skyline_average_excess_pv_power"
)

// siteTotals accumulates the figures of every inverter that polled successfully in one cycle.
type siteTotals struct {
	polled int

	pvPower      float64
	batteryLoad  float64
	gridLoad     float64
	gridTiedLoad float64
	epsLoad      float64
	inverterLoad float64
	socSum       float64
	workMode     registers.WorkMode
	haveWorkMode bool
}

// PollCycle polls every inverter in turn, derives the site figures and runs the excess power controller if it is due.
// A failure on one inverter is logged and that inverter is skipped for this cycle.
func (c *Controller) PollCycle(now time.Time) {
	var totals siteTotals

	for _, inv := range c.inverters {
		reading, err := c.pollInverter(inv, now, &totals)
		if err != nil {
			c.logPollError(inv, err)
			continue
		}
		sendIfNonBlocking(c.InverterReadings, reading, "inverter readings")
	}

	if totals.polled == 0 {
		c.logger.Warn("No inverters polled successfully")
		return
	}

	c.updateSite(totals, now)
}

func (c *Controller) logPollError(inv *inverter.Inverter, err error) {
	var decodeErr *inverter.DecodeError
	if errors.As(err, &decodeErr) {
		c.logger.Error("Discarding poll", "serial", inv.SerialNumber, "host", inv.Host, "error", err)
		return
	}
	c.logger.Warn("Failed to poll inverter", "serial", inv.SerialNumber, "host", inv.Host, "error", err)
}

// pollInverter reads and decodes one inverter. Nothing is changed, and nothing is added to `totals`, unless the
// whole frame is good.
func (c *Controller) pollInverter(inv *inverter.Inverter, now time.Time, totals *siteTotals) (telemetry.InverterReading, error) {
	frame, err := inv.ReadFrame()
	if err != nil {
		return telemetry.InverterReading{}, err
	}

	decoded, err := registers.Decode(frame)
	if err != nil {
		return telemetry.InverterReading{}, &inverter.DecodeError{Err: err}
	}

	n := len(c.inverters)
	adjustables := make(map[string]telemetry.Field, len(registers.Adjustables))
	for name, adj := range registers.Adjustables {
		raw, err := frame.Raw(adj.Block, adj.Register)
		if err != nil {
			return telemetry.InverterReading{}, &inverter.DecodeError{Block: adj.Block.Name, Err: err}
		}
		precision := 0
		if adj.Unit == "kW" {
			precision = 2
		}
		adjustables[name] = telemetry.Field{Value: adj.FromRaw(raw, n), Unit: adj.Unit, Precision: precision}
	}
	workMode := registers.WorkMode(adjustables["hybrid_work_mode"].Value)

	for _, err := range inv.Reconcile(frame, now) {
		c.logger.Warn("Failed to reconcile register write", "serial", inv.SerialNumber, "error", err)
	}

	pvEnergyToday := decoded["pv_energy_today"]
	pvEnergyToday.Value = inv.AdjustPVEnergyToday(pvEnergyToday.Value)
	decoded["pv_energy_today"] = pvEnergyToday

	gridLoad := decoded["grid_load"]
	gridLoadKey := inv.SerialNumber + "_grid_load"
	monitorSamples := detector.Samples(c.config.ImportExportMonitor, c.config.PollInterval)
	smoothed := c.aggregator.Aggregate(
		gridLoadKey,
		gridLoad.Value,
		detector.Samples(gridLoadSmoothing, c.config.PollInterval),
		monitorSamples+1,
	)
	lookback := c.aggregator.Snapshot(gridLoadKey)

	reading := telemetry.InverterReading{
		ReadingMeta: telemetry.ReadingMeta{
			ID:       uuid.New(),
			DeviceID: inv.SerialNumber,
			Time:     now,
		},
		ModelNumber: inv.ModelNumber,
		Fields:      make(map[string]telemetry.Field, len(decoded)+len(adjustables)+1),
		AmImporting: detector.Classify(lookback, detector.Import, monitorSamples, c.config.ImportExportThreshold),
		AmExporting: detector.Classify(lookback, detector.Export, monitorSamples, c.config.ImportExportThreshold),
	}

	prefix := inv.SerialNumber + "_"
	for name, field := range decoded {
		reading.Fields[prefix+name] = field
	}
	for name, field := range adjustables {
		reading.Fields[prefix+name] = field
	}
	reading.Fields[prefix+"grid_load"] = kW(round(smoothed, 1), 1)
	reading.Fields[prefix+"match_feed_in_to_excess_power"] = telemetry.Field{Value: boolToFloat(c.excess.Settings().Enabled)}

	versions, err := inv.UpdateSoftwareVersions(now)
	if err != nil {
		c.logger.Warn("Failed to read software versions", "serial", inv.SerialNumber, "error", err)
	}
	reading.Versions = versions

	totals.polled++
	totals.pvPower += decoded["pv_power"].Value
	totals.batteryLoad += decoded["battery_load"].Value
	totals.gridLoad += gridLoad.Value
	totals.gridTiedLoad += decoded["grid_tied_load"].Value
	totals.epsLoad += decoded["eps_load"].Value
	totals.inverterLoad += decoded["inverter_load"].Value
	totals.socSum += decoded["soc"].Value
	totals.workMode = workMode
	totals.haveWorkMode = true

	return reading, nil
}

// updateSite derives the site wide figures, runs the excess power controller if it is due and publishes the site reading.
func (c *Controller) updateSite(totals siteTotals, now time.Time) {
	settings := c.excess.Settings()

	consumerLoad := c.aggregator.Aggregate(
		"skyline_consumer_load",
		totals.epsLoad+totals.gridTiedLoad,
		detector.Samples(consumerLoadAverage, c.config.PollInterval),
		0,
	)

	excess := totals.pvPower - (totals.epsLoad + totals.gridTiedLoad)
	c.aggregator.Push(averageExcessPVPower, excess, c.excess.AveragingSamples())
	avgExcess, err := c.aggregator.Average(averageExcessPVPower, c.excess.AveragingSamples())
	if err != nil {
		avgExcess = excess
	}

	site := telemetry.SiteReading{
		ReadingMeta: telemetry.ReadingMeta{
			ID:       uuid.New(),
			DeviceID: siteDeviceID,
			Time:     now,
		},
		Fields: map[string]telemetry.Field{
			"skyline_consumer_load":           kW(round(consumerLoad, 2), 2),
			"skyline_average_excess_pv_power": kW(round(avgExcess, 2), 2),
		},
		MatchingEnabled: settings.Enabled,
		Settings:        make(map[string]float64, len(Settings)),
	}
	for name, setting := range Settings {
		site.Settings[name] = setting.Get(settings)
	}

	if len(c.inverters) > 1 {
		pv := c.aggregator.Aggregate(
			"skyline_pv_power",
			totals.pvPower,
			detector.Samples(sitePVPowerAverage, c.config.PollInterval),
			0,
		)
		site.Fields["skyline_pv_power"] = kW(round(pv, 1), 1)
		site.Fields["skyline_battery_load"] = kW(round(totals.batteryLoad, 2), 2)
		site.Fields["skyline_grid_load"] = kW(round(totals.gridLoad, 2), 2)
		site.Fields["skyline_grid_tied_load"] = kW(round(totals.gridTiedLoad, 2), 2)
		site.Fields["skyline_eps_load"] = kW(round(totals.epsLoad, 2), 2)
		site.Fields["skyline_inverter_load"] = kW(round(totals.inverterLoad, 2), 2)
	}

	soc := totals.socSum / float64(totals.polled)
	if totals.haveWorkMode && c.excess.ShouldRun(totals.workMode, now) {
		err := c.matchFeedInToExcess(avgExcess, soc, now)
		if err != nil {
			c.logger.Warn("Failed to set feed in", "error", err)
		}
	}

	site.FeedInW = c.excess.LastCommittedW()
	sendIfNonBlocking(c.SiteReadings, site, "site readings")
}

// matchFeedInToExcess runs the excess power controller and writes any committed feed in limit. The limit is written
// to the first inverter, which applies it across the parallel system.
func (c *Controller) matchFeedInToExcess(avgExcessKW, soc float64, now time.Time) error {
	decision := c.excess.Decide(avgExcessKW, soc, now)
	if !decision.Commit {
		return nil
	}

	if c.config.Store != nil {
		err := c.config.Store.AddFeedInCommit(telemetry.FeedInCommit{
			ReadingMeta: telemetry.ReadingMeta{
				ID:       uuid.New(),
				DeviceID: siteDeviceID,
				Time:     now,
			},
			FeedInW:         decision.FeedInW,
			AverageExcessKW: decision.AverageExcessKW,
			SoCBiasKW:       decision.SoCBiasKW,
			SoC:             soc,
		})
		if err != nil {
			c.logger.Warn("Failed to store feed in commit", "error", err)
		}
	}

	err := c.inverters[0].WriteRegister(registers.RegisterGridMaxFeedInPower, uint16(decision.FeedInW), now)
	if err != nil {
		return fmt.Errorf("write feed in limit: %w", err)
	}
	return nil
}
