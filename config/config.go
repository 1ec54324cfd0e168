package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ModbusConfig struct {
	Hosts          string        `yaml:"hosts"` // comma separated, each optionally with its own port, e.g. "10.0.0.5,10.0.0.6:8899"
	Port           int           `yaml:"port"`
	Framing        string        `yaml:"framing"` // "tcp" or "rtuovertcp"
	SerialDevice   string        `yaml:"serialDevice"`
	BaudRate       int           `yaml:"baudRate"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxNode        uint8         `yaml:"maxNode"`
	DetectAttempts int           `yaml:"detectAttempts"`
}

type ImportExportConfig struct {
	MonitorDuration time.Duration `yaml:"monitorDuration"`
	Threshold       float64       `yaml:"threshold"` // kW
}

type WritesConfig struct {
	Grace    time.Duration `yaml:"grace"` // defaults to one second less than the poll interval when not set
	Attempts uint32        `yaml:"attempts"`
}

// ExcessConfig holds the tunables of the excess power controller. These can also be changed at runtime, in which
// case they are persisted to the repository and take precedence over the file.
type ExcessConfig struct {
	Enabled               bool          `yaml:"enabled"`
	TargetSoC             float64       `yaml:"targetSoc"`             // %
	RateKWPerPct          float64       `yaml:"rateKwPerPct"`          // kW of bias per % of SoC away from target
	MinFeedInW            int64         `yaml:"minFeedInW"`            // W per inverter
	RapidChangeThresholdW int64         `yaml:"rapidChangeThresholdW"` // W
	SlowChangeThresholdW  int64         `yaml:"slowChangeThresholdW"`  // W
	SlowChangePeriod      time.Duration `yaml:"slowChangePeriod"`
	AveragingPeriod       time.Duration `yaml:"averagingPeriod"`
	MaxSoCDeviationKW     float64       `yaml:"maxSocDeviationKw"`
	MaxExportW            int64         `yaml:"maxExportW"` // site total
}

type RepositoryConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"clientId"`
	TopicPrefix     string `yaml:"topicPrefix"`
	DiscoveryPrefix string `yaml:"discoveryPrefix"`
}

type Config struct {
	Modbus              ModbusConfig       `yaml:"modbus"`
	PollInterval        time.Duration      `yaml:"pollInterval"`
	VersionPollInterval time.Duration      `yaml:"versionPollInterval"`
	ImportExport        ImportExportConfig `yaml:"importExport"`
	NoAggregation       bool               `yaml:"noAggregation"`
	Writes              WritesConfig       `yaml:"writes"`
	Excess              ExcessConfig       `yaml:"excess"`
	Repository          RepositoryConfig   `yaml:"repository"`
	MQTT                MQTTConfig         `yaml:"mqtt"`
	LogLevel            string             `yaml:"logLevel"`
}

// DefaultExcess returns the excess power controller tunables used when nothing else is configured.
func DefaultExcess() ExcessConfig {
	return ExcessConfig{
		Enabled:               false,
		TargetSoC:             90,
		RateKWPerPct:          0.3,
		MinFeedInW:            0,
		RapidChangeThresholdW: 500,
		SlowChangeThresholdW:  100,
		SlowChangePeriod:      600 * time.Second,
		AveragingPeriod:       300 * time.Second,
		MaxSoCDeviationKW:     3,
		MaxExportW:            6000,
	}
}

const (
	// MaxMinFeedInW is the highest per inverter feed in floor that can be configured
	MaxMinFeedInW = 6000
	// MaxExportW is the highest site export limit that can be configured
	MaxExportW = 60000

	// unsetGrace marks a write grace that the config file did not set
	unsetGrace = time.Duration(-1)
)

// Default returns the configuration used for anything that the config file does not set.
func Default() Config {
	return Config{
		Modbus: ModbusConfig{
			Port:           502,
			Framing:        "tcp",
			BaudRate:       9600,
			Timeout:        2 * time.Second,
			MaxNode:        1,
			DetectAttempts: 5,
		},
		PollInterval:        10 * time.Second,
		VersionPollInterval: 2 * time.Hour,
		ImportExport: ImportExportConfig{
			MonitorDuration: 60 * time.Second,
			Threshold:       0.1,
		},
		Writes: WritesConfig{
			Attempts: 10,
		},
		Excess: DefaultExcess(),
		Repository: RepositoryConfig{
			Path: "skyline.sqlite",
		},
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			ClientID:        "skyline-controller",
			TopicPrefix:     "skyline",
			DiscoveryPrefix: "homeassistant",
		},
		LogLevel: "info",
	}
}

// Read reads the YAML config file at `path` over the top of the defaults.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	return Parse(content)
}

// Parse parses YAML config over the top of the defaults and validates the result.
func Parse(content []byte) (Config, error) {
	config := Default()
	config.Writes.Grace = unsetGrace
	err := yaml.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if config.Writes.Grace == unsetGrace {
		config.Writes.Grace = config.PollInterval - time.Second
	}

	err = config.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate returns an error describing every problem found with the config.
func (c Config) Validate() error {
	var errs []error

	if c.Modbus.Hosts == "" && c.Modbus.SerialDevice == "" {
		errs = append(errs, errors.New("one of modbus.hosts or modbus.serialDevice must be set"))
	}
	if c.Modbus.Hosts != "" {
		_, err := ParseEndpoints(c.Modbus.Hosts, c.Modbus.Port)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if c.Modbus.Framing != "tcp" && c.Modbus.Framing != "rtuovertcp" {
		errs = append(errs, fmt.Errorf("modbus.framing must be 'tcp' or 'rtuovertcp', got '%s'", c.Modbus.Framing))
	}
	if c.Modbus.MaxNode < 1 {
		errs = append(errs, errors.New("modbus.maxNode must be at least 1"))
	}
	if c.Modbus.DetectAttempts < 1 {
		errs = append(errs, errors.New("modbus.detectAttempts must be at least 1"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("pollInterval must be positive"))
	}
	if c.VersionPollInterval <= 0 {
		errs = append(errs, errors.New("versionPollInterval must be positive"))
	}
	if c.ImportExport.MonitorDuration <= 0 {
		errs = append(errs, errors.New("importExport.monitorDuration must be positive"))
	}
	if c.Writes.Grace < 0 {
		errs = append(errs, errors.New("writes.grace must not be negative"))
	}
	if c.Writes.Attempts < 1 {
		errs = append(errs, errors.New("writes.attempts must be at least 1"))
	}

	err := c.Excess.Validate()
	if err != nil {
		errs = append(errs, err)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker must be set when mqtt is enabled"))
	}

	_, err = ParseLogLevel(c.LogLevel)
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the excess power controller tunables.
func (e ExcessConfig) Validate() error {
	var errs []error

	if e.TargetSoC < 0 || e.TargetSoC > 100 {
		errs = append(errs, fmt.Errorf("excess.targetSoc must be between 0 and 100, got %v", e.TargetSoC))
	}
	if e.RateKWPerPct < 0 {
		errs = append(errs, errors.New("excess.rateKwPerPct must not be negative"))
	}
	if e.MinFeedInW < 0 || e.MinFeedInW > MaxMinFeedInW {
		errs = append(errs, fmt.Errorf("excess.minFeedInW must be between 0 and %d, got %d", MaxMinFeedInW, e.MinFeedInW))
	}
	if e.SlowChangeThresholdW < 0 {
		errs = append(errs, errors.New("excess.slowChangeThresholdW must not be negative"))
	}
	if e.RapidChangeThresholdW < e.SlowChangeThresholdW {
		errs = append(errs, fmt.Errorf("excess.rapidChangeThresholdW (%d) must not be below excess.slowChangeThresholdW (%d)", e.RapidChangeThresholdW, e.SlowChangeThresholdW))
	}
	if e.SlowChangePeriod < 0 {
		errs = append(errs, errors.New("excess.slowChangePeriod must not be negative"))
	}
	if e.AveragingPeriod <= 0 {
		errs = append(errs, errors.New("excess.averagingPeriod must be positive"))
	}
	if e.MaxSoCDeviationKW < 0 {
		errs = append(errs, errors.New("excess.maxSocDeviationKw must not be negative"))
	}
	if e.MaxExportW < 0 || e.MaxExportW > MaxExportW {
		errs = append(errs, fmt.Errorf("excess.maxExportW must be between 0 and %d, got %d", MaxExportW, e.MaxExportW))
	}

	return errors.Join(errs...)
}

// ParseEndpoints splits a comma separated host list into "host:port" endpoints, applying `defaultPort` to any host
// that does not carry its own.
func ParseEndpoints(hosts string, defaultPort int) ([]string, error) {
	var endpoints []string
	for _, host := range strings.Split(strings.ReplaceAll(hosts, " ", ""), ",") {
		if host == "" {
			continue
		}

		port := strconv.Itoa(defaultPort)
		if strings.Contains(host, ":") {
			var err error
			host, port, err = net.SplitHostPort(host)
			if err != nil {
				return nil, fmt.Errorf("parse modbus host: %w", err)
			}
			if _, err := strconv.ParseUint(port, 10, 16); err != nil {
				return nil, fmt.Errorf("parse modbus port '%s': %w", port, err)
			}
		}
		if host == "" {
			return nil, errors.New("modbus host must not be empty")
		}

		endpoints = append(endpoints, net.JoinHostPort(host, port))
	}

	if len(endpoints) == 0 {
		return nil, errors.New("no modbus hosts given")
	}
	return endpoints, nil
}

// ParseLogLevel converts a level name into a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(level))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level: %w", err)
	}
	return l, nil
}
