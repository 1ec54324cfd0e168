package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/inverter"
	"github.com/cepro/skylinecontroller/registers"
	"github.com/cepro/skylinecontroller/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInverterOptions = inverter.Options{
	WriteGrace:      9 * time.Second,
	WriteAttempts:   3,
	VersionInterval: 2 * time.Hour,
}

// fakeStore records everything it is asked to persist.
type fakeStore struct {
	lock     sync.Mutex
	settings []config.ExcessConfig
	commits  []telemetry.FeedInCommit
}

func (f *fakeStore) SaveSettings(settings config.ExcessConfig) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.settings = append(f.settings, settings)
	return nil
}

func (f *fakeStore) AddFeedInCommit(commit telemetry.FeedInCommit) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.commits = append(f.commits, commit)
	return nil
}

// newTestInverter creates a mock inverter in feed in priority mode generating `pvW` watts of solar with a grid tied
// load of `loadW` watts, at 90% state of charge.
func newTestInverter(serial string, node uint8, pvW, loadW uint32) (*inverter.Inverter, *inverter.MockTransport) {
	transport := inverter.NewMockTransport()
	transport.AddInverter(node, serial, "SKY-6K")
	transport.SetUint32(node, registers.PowerBlock.StartAddr+17, pvW*10)
	transport.SetUint32(node, registers.GridBlock.StartAddr+10, loadW*10)
	transport.Set(node, registers.BatteryBlock.StartAddr, 90)
	transport.Set(node, registers.RegisterWorkMode, uint16(registers.WorkModeFeedInPriority))
	return inverter.New(serial, "SKY-6K", node, "mock", transport, testInverterOptions), transport
}

func testConfig(store Store) Config {
	excess := config.DefaultExcess()
	excess.Enabled = true
	return Config{
		PollInterval:          10 * time.Second,
		ImportExportMonitor:   60 * time.Second,
		ImportExportThreshold: 0.1,
		Excess:                excess,
		Store:                 store,
	}
}

// feedInWrites returns the values written to the grid feed in limit register.
func feedInWrites(transport *inverter.MockTransport) []uint16 {
	var values []uint16
	for _, write := range transport.Writes() {
		if write.Address == registers.RegisterGridMaxFeedInPower {
			values = append(values, write.Value)
		}
	}
	return values
}

func drainInverterReadings(c *Controller) []telemetry.InverterReading {
	var readings []telemetry.InverterReading
	for {
		select {
		case r := <-c.InverterReadings:
			readings = append(readings, r)
		default:
			return readings
		}
	}
}

func drainSiteReadings(c *Controller) []telemetry.SiteReading {
	var readings []telemetry.SiteReading
	for {
		select {
		case r := <-c.SiteReadings:
			readings = append(readings, r)
		default:
			return readings
		}
	}
}

func TestPollCycleReadings(t *testing.T) {
	inv, _ := newTestInverter("HS0001", 1, 3000, 1000)
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	ctrl.PollCycle(t0)

	readings := drainInverterReadings(ctrl)
	require.Len(t, readings, 1)
	reading := readings[0]
	assert.Equal(t, "HS0001", reading.DeviceID)
	assert.Equal(t, "SKY-6K", reading.ModelNumber)
	assert.Equal(t, t0, reading.Time)
	assert.Equal(t, 3.0, reading.Fields["HS0001_pv_power"].Value)
	assert.Equal(t, "kW", reading.Fields["HS0001_pv_power"].Unit)
	assert.Equal(t, 1.0, reading.Fields["HS0001_grid_tied_load"].Value)
	assert.Equal(t, 90.0, reading.Fields["HS0001_soc"].Value)
	assert.Equal(t, float64(registers.WorkModeFeedInPriority), reading.Fields["HS0001_hybrid_work_mode"].Value)
	assert.Equal(t, 1.0, reading.Fields["HS0001_match_feed_in_to_excess_power"].Value)
	// versions are read on the first poll
	assert.NotNil(t, reading.Versions)

	sites := drainSiteReadings(ctrl)
	require.Len(t, sites, 1)
	site := sites[0]
	assert.Equal(t, "skyline", site.DeviceID)
	assert.True(t, almostEqual(2.0, site.Fields["skyline_average_excess_pv_power"].Value, 1e-9))
	assert.True(t, almostEqual(1.0, site.Fields["skyline_consumer_load"].Value, 1e-9))
	assert.True(t, site.MatchingEnabled)
	assert.Equal(t, int64(-1), site.FeedInW)
	// the parallel totals are only published for more than one inverter
	assert.NotContains(t, site.Fields, "skyline_pv_power")

	ctrl.PollCycle(t0.Add(10 * time.Second))
	readings = drainInverterReadings(ctrl)
	require.Len(t, readings, 1)
	assert.Nil(t, readings[0].Versions)
}

func TestPollCycleMatchesFeedInToExcess(t *testing.T) {
	store := &fakeStore{}
	inv, transport := newTestInverter("HS0001", 1, 3000, 1000)
	ctrl := New(testConfig(store), []*inverter.Inverter{inv})

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	for i := 0; i < 6; i++ {
		ctrl.PollCycle(t0.Add(time.Duration(i) * 10 * time.Second))
	}
	assert.Empty(t, feedInWrites(transport))

	// a minute after the first poll the controller runs
	ctrl.PollCycle(t0.Add(60 * time.Second))
	assert.Equal(t, []uint16{2000}, feedInWrites(transport))
	assert.Equal(t, uint16(2000), transport.Get(1, registers.RegisterGridMaxFeedInPower))
	assert.Equal(t, int64(2000), ctrl.excess.LastCommittedW())

	require.Len(t, store.commits, 1)
	assert.Equal(t, int64(2000), store.commits[0].FeedInW)
	assert.True(t, almostEqual(2.0, store.commits[0].AverageExcessKW, 1e-9))
	assert.Equal(t, 90.0, store.commits[0].SoC)

	sites := drainSiteReadings(ctrl)
	require.NotEmpty(t, sites)
	assert.Equal(t, int64(2000), sites[len(sites)-1].FeedInW)

	// an unchanged excess is not written again
	ctrl.PollCycle(t0.Add(120 * time.Second))
	assert.Equal(t, []uint16{2000}, feedInWrites(transport))
}

func TestPollCycleNotInFeedInPriority(t *testing.T) {
	inv, transport := newTestInverter("HS0001", 1, 3000, 1000)
	transport.Set(1, registers.RegisterWorkMode, uint16(registers.WorkModeSelfConsumption))
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	for i := 0; i <= 12; i++ {
		ctrl.PollCycle(t0.Add(time.Duration(i) * 10 * time.Second))
	}
	assert.Empty(t, feedInWrites(transport))
}

func TestPollCycleRetriesIgnoredFeedIn(t *testing.T) {
	inv, transport := newTestInverter("HS0001", 1, 3000, 1000)
	transport.IgnoreWrites(true)
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	for i := 0; i <= 6; i++ {
		ctrl.PollCycle(t0.Add(time.Duration(i) * 10 * time.Second))
	}
	require.Equal(t, []uint16{2000}, feedInWrites(transport))

	// each mismatched read-back after the grace period re-issues the write, until the attempts run out
	ctrl.PollCycle(t0.Add(70 * time.Second))
	ctrl.PollCycle(t0.Add(80 * time.Second))
	ctrl.PollCycle(t0.Add(90 * time.Second))
	assert.Equal(t, []uint16{2000, 2000, 2000, 2000}, feedInWrites(transport))
	_, pending := inv.PendingWrite(registers.RegisterGridMaxFeedInPower)
	assert.False(t, pending)

	ctrl.PollCycle(t0.Add(100 * time.Second))
	assert.Len(t, feedInWrites(transport), 4)
}

func TestPollCycleImportExport(t *testing.T) {
	inv, transport := newTestInverter("HS0001", 1, 0, 0)
	transport.SetUint32(1, registers.GridBlock.StartAddr, 20000) // 2kW import
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	for i := 0; i < 5; i++ {
		ctrl.PollCycle(t0.Add(time.Duration(i) * 10 * time.Second))
		readings := drainInverterReadings(ctrl)
		require.Len(t, readings, 1)
		assert.False(t, readings[0].AmImporting, "poll %d", i)
	}

	ctrl.PollCycle(t0.Add(50 * time.Second))
	readings := drainInverterReadings(ctrl)
	require.Len(t, readings, 1)
	assert.True(t, readings[0].AmImporting)
	assert.False(t, readings[0].AmExporting)
	assert.Equal(t, 2.0, readings[0].Fields["HS0001_grid_load"].Value)

	// a single export sample resets both directions
	exportLoad := int32(-10000)
	transport.SetUint32(1, registers.GridBlock.StartAddr, uint32(exportLoad))
	ctrl.PollCycle(t0.Add(60 * time.Second))
	readings = drainInverterReadings(ctrl)
	require.Len(t, readings, 1)
	assert.False(t, readings[0].AmImporting)
	assert.False(t, readings[0].AmExporting)
	// the grid load is averaged over the last 30 seconds: (2 + 2 - 1) / 3
	assert.Equal(t, 1.0, readings[0].Fields["HS0001_grid_load"].Value)
}

func TestPollCycleSkipsFailedInverter(t *testing.T) {
	good, _ := newTestInverter("HS0001", 1, 3000, 1000)
	bad, badTransport := newTestInverter("HS0002", 1, 3000, 1000)
	zero, zeroTransport := newTestInverter("HS0003", 1, 3000, 1000)
	badTransport.FailReads(registers.EPSBlock.StartAddr, true)
	zeroTransport.SetUint32(1, registers.GridBlock.StartAddr+6, 0)

	ctrl := New(testConfig(nil), []*inverter.Inverter{bad, good, zero})
	ctrl.PollCycle(mustParseTime("2024-06-01T12:00:00Z"))

	readings := drainInverterReadings(ctrl)
	require.Len(t, readings, 1)
	assert.Equal(t, "HS0001", readings[0].DeviceID)

	sites := drainSiteReadings(ctrl)
	require.Len(t, sites, 1)
	// only the good inverter contributes to the site totals
	assert.True(t, almostEqual(3.0, sites[0].Fields["skyline_pv_power"].Value, 1e-9))
	assert.True(t, almostEqual(2.0, sites[0].Fields["skyline_average_excess_pv_power"].Value, 1e-9))
}

func TestPollCycleNoInvertersPolled(t *testing.T) {
	inv, transport := newTestInverter("HS0001", 1, 3000, 1000)
	transport.FailReads(registers.PowerBlock.StartAddr, true)
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	ctrl.PollCycle(mustParseTime("2024-06-01T12:00:00Z"))
	assert.Empty(t, drainInverterReadings(ctrl))
	assert.Empty(t, drainSiteReadings(ctrl))
}

// runController starts the run loop and returns a function that stops it and waits for it to exit.
func runController(ctrl *Controller, ticks <-chan time.Time) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx, ticks)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func sendCommand(t *testing.T, ctrl *Controller, cmd Command) error {
	result := make(chan error, 1)
	cmd.Result = result
	ctrl.Commands <- cmd
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for command %s", cmd.Name)
		return nil
	}
}

func TestRunPollsOnTick(t *testing.T) {
	inv, _ := newTestInverter("HS0001", 1, 3000, 1000)
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	ticks := make(chan time.Time)
	stop := runController(ctrl, ticks)
	defer stop()

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	ticks <- t0

	select {
	case reading := <-ctrl.InverterReadings:
		assert.Equal(t, t0, reading.Time)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a reading")
	}
}

func TestRunRegisterCommand(t *testing.T) {
	inv, transport := newTestInverter("HS0001", 1, 3000, 1000)
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	stop := runController(ctrl, make(chan time.Time))
	defer stop()

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	err := sendCommand(t, ctrl, Command{Serial: "HS0001", Name: "battery_max_soc", Value: 80, Time: t0})
	require.NoError(t, err)
	assert.Equal(t, uint16(80), transport.Get(1, registers.RegisterBatteryMaxSoC))

	// the write is followed by a poll, which reads the new value back
	select {
	case reading := <-ctrl.InverterReadings:
		assert.Equal(t, 80.0, reading.Fields["HS0001_battery_max_soc"].Value)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a reading")
	}

	err = sendCommand(t, ctrl, Command{Serial: "HS0001", Name: "battery_max_power", Value: 4.5, Time: t0})
	require.NoError(t, err)
	assert.Equal(t, uint16(4500), transport.Get(1, registers.RegisterBatteryMaxPower))

	err = sendCommand(t, ctrl, Command{Serial: "HS0001", Name: "battery_max_soc", Value: 101, Time: t0})
	assert.Error(t, err)

	err = sendCommand(t, ctrl, Command{Serial: "HS0001", Name: "no_such_register", Value: 1, Time: t0})
	assert.Error(t, err)

	err = sendCommand(t, ctrl, Command{Serial: "HS9999", Name: "battery_max_soc", Value: 50, Time: t0})
	assert.Error(t, err)
}

func TestRunRegisterCommandWriteFailure(t *testing.T) {
	inv, transport := newTestInverter("HS0001", 1, 3000, 1000)
	transport.FailWrites(true)
	ctrl := New(testConfig(nil), []*inverter.Inverter{inv})

	stop := runController(ctrl, make(chan time.Time))
	defer stop()

	t0 := mustParseTime("2024-06-01T12:00:00Z")
	err := sendCommand(t, ctrl, Command{Serial: "HS0001", Name: "grid_max_charge_soc", Value: 60, Time: t0})
	var writeErr *inverter.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, registers.RegisterGridMaxChargeSoC, writeErr.Address)

	// the write stays pending so that it is re-issued from the read-back
	stop()
	pending, ok := inv.PendingWrite(registers.RegisterGridMaxChargeSoC)
	require.True(t, ok)
	assert.Equal(t, uint16(60), pending.ExpectedValue)
}

func TestRunSettingCommand(t *testing.T) {
	store := &fakeStore{}
	inv, _ := newTestInverter("HS0001", 1, 3000, 1000)
	ctrl := New(testConfig(store), []*inverter.Inverter{inv})

	stop := runController(ctrl, make(chan time.Time))
	defer stop()

	require.NoError(t, sendCommand(t, ctrl, Command{Name: SettingTargetSoC, Value: 75}))
	require.NoError(t, sendCommand(t, ctrl, Command{Name: SettingSlowChangePeriod, Value: 300}))
	require.NoError(t, sendCommand(t, ctrl, Command{Name: SettingMatchFeedInToExcess, Value: 0}))

	assert.Error(t, sendCommand(t, ctrl, Command{Name: SettingTargetSoC, Value: 150}))
	assert.Error(t, sendCommand(t, ctrl, Command{Name: "no_such_setting", Value: 1}))
	// the rapid change threshold may not drop below the slow one
	assert.Error(t, sendCommand(t, ctrl, Command{Name: SettingRapidChangeThreshold, Value: 50}))

	stop()
	settings := ctrl.Settings()
	assert.Equal(t, 75.0, settings.TargetSoC)
	assert.Equal(t, 300*time.Second, settings.SlowChangePeriod)
	assert.False(t, settings.Enabled)
	assert.Equal(t, int64(500), settings.RapidChangeThresholdW)

	require.Len(t, store.settings, 3)
	assert.Equal(t, settings, store.settings[2])
}

func TestSettingsRoundTrip(t *testing.T) {
	settings := config.DefaultExcess()
	for name, setting := range Settings {
		assert.Equal(t, name, setting.Name)
		value := setting.Get(settings)
		assert.GreaterOrEqual(t, value, setting.Min, name)
		assert.LessOrEqual(t, value, setting.Max, name)

		updated := settings
		setting.apply(&updated, value)
		assert.Equal(t, settings, updated, name)
	}
}
