package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	content := `
modbus:
  hosts: "10.0.0.5, 10.0.0.6:8899"
  framing: rtuovertcp
  maxNode: 2
pollInterval: 15s
noAggregation: true
excess:
  enabled: true
  targetSoc: 80
  slowChangePeriod: 5m
mqtt:
  enabled: true
  broker: tcp://broker:1883
logLevel: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, "rtuovertcp", config.Modbus.Framing)
	assert.Equal(t, uint8(2), config.Modbus.MaxNode)
	assert.Equal(t, 502, config.Modbus.Port)
	assert.Equal(t, 15*time.Second, config.PollInterval)
	assert.True(t, config.NoAggregation)
	assert.True(t, config.Excess.Enabled)
	assert.Equal(t, 80.0, config.Excess.TargetSoC)
	assert.Equal(t, 5*time.Minute, config.Excess.SlowChangePeriod)
	assert.True(t, config.MQTT.Enabled)
	assert.Equal(t, "debug", config.LogLevel)

	// untouched values keep their defaults
	assert.Equal(t, 0.3, config.Excess.RateKWPerPct)
	assert.Equal(t, int64(500), config.Excess.RapidChangeThresholdW)
	assert.Equal(t, 300*time.Second, config.Excess.AveragingPeriod)
	assert.Equal(t, int64(6000), config.Excess.MaxExportW)
	assert.Equal(t, uint32(10), config.Writes.Attempts)

	// the write grace follows the poll interval
	assert.Equal(t, 14*time.Second, config.Writes.Grace)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseExplicitGrace(t *testing.T) {
	config, err := Parse([]byte("modbus:\n  hosts: inverter\nwrites:\n  grace: 3s\n"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, config.Writes.Grace)
}

func TestParseZeroGrace(t *testing.T) {
	config, err := Parse([]byte("modbus:\n  hosts: inverter\nwrites:\n  grace: 0s\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), config.Writes.Grace)
}

func TestParseRejectsFeedInBeyondRegister(t *testing.T) {
	_, err := Parse([]byte("modbus:\n  hosts: inverter\nexcess:\n  minFeedInW: 70000\n  maxExportW: 100000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "excess.minFeedInW")
	assert.Contains(t, err.Error(), "excess.maxExportW")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Modbus.Hosts = "10.0.0.5"
	valid.Writes.Grace = 9 * time.Second
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{name: "No hosts or serial device", modify: func(c *Config) { c.Modbus.Hosts = "" }},
		{name: "Bad framing", modify: func(c *Config) { c.Modbus.Framing = "udp" }},
		{name: "Bad port", modify: func(c *Config) { c.Modbus.Hosts = "10.0.0.5:99999" }},
		{name: "Zero poll interval", modify: func(c *Config) { c.PollInterval = 0 }},
		{name: "Zero attempts", modify: func(c *Config) { c.Writes.Attempts = 0 }},
		{name: "SoC above 100", modify: func(c *Config) { c.Excess.TargetSoC = 101 }},
		{name: "SoC below 0", modify: func(c *Config) { c.Excess.TargetSoC = -1 }},
		{name: "Rapid below slow", modify: func(c *Config) { c.Excess.RapidChangeThresholdW = 50 }},
		{name: "Min feed in too high", modify: func(c *Config) { c.Excess.MinFeedInW = MaxMinFeedInW + 1 }},
		{name: "Max export too high", modify: func(c *Config) { c.Excess.MaxExportW = MaxExportW + 1 }},
		{name: "Zero averaging period", modify: func(c *Config) { c.Excess.AveragingPeriod = 0 }},
		{name: "MQTT without broker", modify: func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{name: "Bad log level", modify: func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.modify(&config)
			assert.Error(t, config.Validate())
		})
	}

	serialOnly := valid
	serialOnly.Modbus.Hosts = ""
	serialOnly.Modbus.SerialDevice = "/dev/ttyUSB0"
	assert.NoError(t, serialOnly.Validate())
}

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		hosts    string
		expected []string
		err      bool
	}{
		{name: "Single host", hosts: "10.0.0.5", expected: []string{"10.0.0.5:502"}},
		{name: "Host with port", hosts: "10.0.0.5:8899", expected: []string{"10.0.0.5:8899"}},
		{name: "Mixed list with spaces", hosts: "10.0.0.5, inverter.local:1502 ,10.0.0.7", expected: []string{"10.0.0.5:502", "inverter.local:1502", "10.0.0.7:502"}},
		{name: "Trailing comma", hosts: "10.0.0.5,", expected: []string{"10.0.0.5:502"}},
		{name: "Empty", hosts: "", err: true},
		{name: "Bad port", hosts: "10.0.0.5:abc", err: true},
		{name: "Missing host", hosts: ":502", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoints, err := ParseEndpoints(tt.hosts, 502)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, endpoints)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
