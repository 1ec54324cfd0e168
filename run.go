package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/controller"
	"github.com/cepro/skylinecontroller/hass"
	"github.com/cepro/skylinecontroller/inverter"
	"github.com/cepro/skylinecontroller/modbus"
	"github.com/cepro/skylinecontroller/repository"
	"github.com/cepro/skylinecontroller/telemetry"
	"github.com/spf13/cobra"
)

// maxFeedInCommits is how many feed in commits are kept in the repository.
const maxFeedInCommits = 10000

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the inverters and run the excess power controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

// transport is a Modbus connection that can be shut down.
type transport interface {
	inverter.Transport
	Close() error
}

// endpoint is one Modbus connection and the name it is logged under.
type endpoint struct {
	host      string
	transport transport
}

// openEndpoints creates a transport for the serial device, or one for each configured host.
func openEndpoints(cfg config.ModbusConfig) ([]endpoint, error) {
	if cfg.SerialDevice != "" {
		return []endpoint{{
			host:      cfg.SerialDevice,
			transport: modbus.NewSerialClient(cfg.SerialDevice, cfg.BaudRate, cfg.Timeout),
		}}, nil
	}

	hosts, err := config.ParseEndpoints(cfg.Hosts, cfg.Port)
	if err != nil {
		return nil, err
	}

	endpoints := make([]endpoint, 0, len(hosts))
	for _, host := range hosts {
		client, err := modbus.NewClient(host, cfg.Framing, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("create modbus client for %s: %w", host, err)
		}
		endpoints = append(endpoints, endpoint{host: host, transport: client})
	}
	return endpoints, nil
}

func closeEndpoints(endpoints []endpoint) {
	for _, ep := range endpoints {
		err := ep.transport.Close()
		if err != nil {
			slog.Warn("Failed to close modbus connection", "host", ep.host, "error", err)
		}
	}
}

// discoverInverters finds the inverters on every endpoint. An endpoint without any responding inverter is skipped.
func discoverInverters(cfg config.Config, endpoints []endpoint) ([]*inverter.Inverter, error) {
	options := inverter.Options{
		WriteGrace:      cfg.Writes.Grace,
		WriteAttempts:   cfg.Writes.Attempts,
		VersionInterval: cfg.VersionPollInterval,
	}

	var inverters []*inverter.Inverter
	for _, ep := range endpoints {
		found, err := inverter.Discover(ep.transport, ep.host, cfg.Modbus.MaxNode, cfg.Modbus.DetectAttempts, options)
		if err != nil {
			slog.Error("Skipping endpoint", "host", ep.host, "error", err)
			continue
		}
		inverters = append(inverters, found...)
	}

	if len(inverters) == 0 {
		return nil, inverter.ErrNoInverters
	}
	return inverters, nil
}

// openRepository opens the local store, pruning old feed in commits. Saved settings replace those from the config file.
func openRepository(cfg *config.Config) (*repository.Repository, error) {
	repo, err := repository.New(cfg.Repository.Path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	settings, found, err := repo.LoadSettings()
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if found {
		if err := settings.Validate(); err != nil {
			slog.Warn("Ignoring invalid saved settings", "error", err)
		} else {
			slog.Info("Using saved settings", "path", cfg.Repository.Path)
			cfg.Excess = settings
		}
	}

	commits, err := repo.GetFeedInCommits(maxFeedInCommits)
	if err != nil {
		slog.Warn("Failed to read feed in commits", "error", err)
	} else if len(commits) == maxFeedInCommits {
		err = repo.DeleteFeedInCommitsBefore(commits[len(commits)-1])
		if err != nil {
			slog.Warn("Failed to prune feed in commits", "error", err)
		}
	}

	return repo, nil
}

func run(cfg config.Config) error {
	slog.Info("Starting controller...")

	endpoints, err := openEndpoints(cfg.Modbus)
	if err != nil {
		return err
	}
	defer closeEndpoints(endpoints)

	inverters, err := discoverInverters(cfg, endpoints)
	if err != nil {
		return err
	}
	slog.Info("Discovered inverters", "count", len(inverters))

	ctrlConfig := controller.Config{
		PollInterval:          cfg.PollInterval,
		ImportExportMonitor:   cfg.ImportExport.MonitorDuration,
		ImportExportThreshold: cfg.ImportExport.Threshold,
		NoAggregation:         cfg.NoAggregation,
	}
	if cfg.Repository.Path != "" {
		repo, err := openRepository(&cfg)
		if err != nil {
			return err
		}
		defer repo.Close()
		ctrlConfig.Store = repo
	}
	ctrlConfig.Excess = cfg.Excess

	ctrl := controller.New(ctrlConfig, inverters)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wait []<-chan struct{}
	if cfg.MQTT.Enabled {
		client, err := hass.Connect(cfg.MQTT)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)

		publisher := hass.New(client, cfg.MQTT.TopicPrefix, cfg.MQTT.DiscoveryPrefix, len(inverters), ctrl.Commands)
		err = publisher.Subscribe()
		if err != nil {
			return err
		}
		wait = append(wait, goRun(func() { publisher.Run(ctx, ctrl.InverterReadings, ctrl.SiteReadings) }))
	} else {
		wait = append(wait, goRun(func() { logReadings(ctx, ctrl.InverterReadings, ctrl.SiteReadings) }))
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	wait = append(wait, goRun(func() { ctrl.Run(ctx, ticker.C) }))

	// wait for an interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan

	slog.Info("Exiting")
	cancel()
	for _, done := range wait {
		<-done
	}
	return nil
}

// goRun runs `f` on a new goroutine and returns a channel that is closed when it returns.
func goRun(f func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	return done
}

// logReadings consumes the readings when they are not published anywhere.
func logReadings(ctx context.Context, inverterReadings <-chan telemetry.InverterReading, siteReadings <-chan telemetry.SiteReading) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-inverterReadings:
			slog.Debug("Inverter reading", "serial", reading.DeviceID, "fields", len(reading.Fields), "importing", reading.AmImporting, "exporting", reading.AmExporting)
		case reading := <-siteReadings:
			attrs := []any{"feed_in_w", reading.FeedInW, "matching", reading.MatchingEnabled}
			for name, field := range reading.Fields {
				attrs = append(attrs, name, field.String())
			}
			slog.Debug("Site reading", attrs...)
		}
	}
}
