package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cepro/skylinecontroller/config"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "skylinecontroller",
	Short: "Poll Skyline hybrid inverters and match their grid feed in to excess solar",
	Long: `Polls a site of Skyline hybrid inverters over Modbus, publishes their telemetry
to Home Assistant over MQTT, and optionally steers the grid feed in limit to
follow the excess solar power while keeping the batteries near a target state
of charge.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (defaults are used when not given)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if one was given, and installs the default logger at the configured level.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Read(configFile)
	} else {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return cfg, nil
}
