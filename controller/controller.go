package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/cepro/skylinecontroller/aggregate"
	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/inverter"
	"github.com/cepro/skylinecontroller/telemetry"
)

// Store persists the controller settings and committed feed in limits.
type Store interface {
	SaveSettings(settings config.ExcessConfig) error
	AddFeedInCommit(commit telemetry.FeedInCommit) error
}

// Controller polls a site of Skyline inverters and runs the excess power controller against them.
//
// Everything happens on the goroutine that calls Run: poll cycles are triggered by the ticks channel and user commands
// arrive on the `Commands` channel, so commands are only ever applied between poll cycles. Readings are put onto the
// `InverterReadings` and `SiteReadings` channels, and are dropped if nothing is reading them.
type Controller struct {
	Commands         chan Command
	InverterReadings chan telemetry.InverterReading
	SiteReadings     chan telemetry.SiteReading

	config     Config
	inverters  []*inverter.Inverter
	aggregator *aggregate.Aggregator
	excess     *ExcessPowerController

	logger *slog.Logger
}

type Config struct {
	PollInterval          time.Duration
	ImportExportMonitor   time.Duration // how long grid power must flow one way before the site is considered to be importing/exporting
	ImportExportThreshold float64       // kW
	NoAggregation         bool
	Excess                config.ExcessConfig

	Store Store // optional
}

func New(config Config, inverters []*inverter.Inverter) *Controller {
	return &Controller{
		Commands:         make(chan Command, 16),
		InverterReadings: make(chan telemetry.InverterReading, 16),
		SiteReadings:     make(chan telemetry.SiteReading, 16),
		config:           config,
		inverters:        inverters,
		aggregator:       aggregate.New(config.NoAggregation),
		excess:           NewExcessPowerController(config.Excess, config.PollInterval, len(inverters)),
		logger:           slog.Default().With("component", "controller"),
	}
}

// Run loops until the context is cancelled, running a poll cycle for every tick and applying user commands as they arrive.
func (c *Controller) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticks:
			c.PollCycle(t)
		case cmd := <-c.Commands:
			c.handleCommand(cmd)
		}
	}
}

// Inverters returns the inverters managed by the controller.
func (c *Controller) Inverters() []*inverter.Inverter {
	return c.inverters
}

// Settings returns the current excess power controller settings. It is only safe to call before Run is started.
func (c *Controller) Settings() config.ExcessConfig {
	return c.excess.Settings()
}

func (c *Controller) findInverter(serial string) *inverter.Inverter {
	for _, inv := range c.inverters {
		if inv.SerialNumber == serial {
			return inv
		}
	}
	return nil
}
