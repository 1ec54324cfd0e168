package inverter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/skylinecontroller/registers"
	"github.com/cepro/skylinecontroller/telemetry"
)

// Transport reads and writes holding registers on the devices attached to one endpoint, addressed by node.
type Transport interface {
	Connect() error
	ReadHoldingRegisters(start, count uint16, node uint8) ([]uint16, error)
	WriteRegister(addr, value uint16, node uint8) error
}

// Options controls how an inverter is written to and how often its slow changing registers are read.
type Options struct {
	WriteGrace      time.Duration // how long after a write before its read-back is trusted
	WriteAttempts   uint32        // how many mismatched read-backs a write survives before it is abandoned
	VersionInterval time.Duration // how often the software versions are re-read
}

// Inverter is one Skyline hybrid inverter. The transport may be shared with other inverters on the same endpoint.
type Inverter struct {
	SerialNumber string
	ModelNumber  string
	Node         uint8
	Host         string

	transport  Transport
	reconciler *Reconciler
	options    Options

	lastVersionPoll time.Time
	versions        telemetry.Versions

	previousPVEnergyToday float64
	pvEnergyTodayOffset   float64

	logger *slog.Logger
}

func New(serialNumber, modelNumber string, node uint8, host string, transport Transport, options Options) *Inverter {
	logger := slog.Default().With("host", host, "serial", serialNumber, "node", node)

	inv := &Inverter{
		SerialNumber: serialNumber,
		ModelNumber:  modelNumber,
		Node:         node,
		Host:         host,
		transport:    transport,
		options:      options,
		logger:       logger,
	}
	inv.reconciler = NewReconciler(func(addr, value uint16) error {
		return transport.WriteRegister(addr, value, node)
	}, logger)

	return inv
}

// ReadBlock reads a single register block, failing if the device returns fewer registers than the block requires.
func (inv *Inverter) ReadBlock(block registers.Block) ([]uint16, error) {
	regs, err := inv.transport.ReadHoldingRegisters(block.StartAddr, block.NumRegisters, inv.Node)
	if err != nil {
		return nil, &ReadError{Block: block.Name, Err: err}
	}
	if len(regs) < int(block.NumRegisters) {
		return nil, &DecodeError{
			Block: block.Name,
			Err:   fmt.Errorf("got %d of %d registers: %w", len(regs), block.NumRegisters, ErrShortBlock),
		}
	}
	return regs, nil
}

// ReadFrame reads every poll block and checks that the result is usable. Any failure means the whole frame must be discarded.
func (inv *Inverter) ReadFrame() (registers.Frame, error) {
	frame := make(registers.Frame, len(registers.PollBlocks))
	for _, block := range registers.PollBlocks {
		regs, err := inv.ReadBlock(block)
		if err != nil {
			return nil, err
		}
		frame[block.Name] = regs
	}

	err := checkZeroFrame(frame)
	if err != nil {
		return nil, err
	}

	return frame, nil
}

// zeroFrameCounters are cumulative energy counters that are never all zero on a working inverter.
var zeroFrameCounters = []struct {
	block  registers.Block
	offset int
}{
	{block: registers.GridBlock, offset: 6},
	{block: registers.GridBlock, offset: 8},
	{block: registers.BatteryBlock, offset: 13},
	{block: registers.BatteryBlock, offset: 17},
}

func checkZeroFrame(frame registers.Frame) error {
	for _, counter := range zeroFrameCounters {
		val, err := registers.ToUnsigned32(frame[counter.block.Name], counter.offset)
		if err != nil {
			return &DecodeError{Block: counter.block.Name, Err: err}
		}
		if val != 0 {
			return nil
		}
	}
	return &DecodeError{Err: ErrZeroFrame}
}

// Reconcile checks every pending register write against the read-back in `frame`.
func (inv *Inverter) Reconcile(frame registers.Frame, now time.Time) []error {
	var errs []error
	for _, block := range registers.PollBlocks {
		regs, ok := frame[block.Name]
		if !ok {
			continue
		}
		errs = append(errs, inv.reconciler.ReconcileBlock(block.StartAddr, regs, now)...)
	}
	return errs
}

// WriteRegister writes `value` to the register at `addr` and tracks it until the read-back confirms it.
// If the write itself fails it stays tracked, so it is re-issued when a read-back shows the old value.
func (inv *Inverter) WriteRegister(addr, value uint16, now time.Time) error {
	inv.logger.Info("Setting register", "register", addr, "value", value)
	inv.reconciler.RecordWrite(addr, value, inv.options.WriteGrace, inv.options.WriteAttempts, now)
	return inv.writeRaw(addr, value)
}

func (inv *Inverter) writeRaw(addr, value uint16) error {
	err := inv.transport.WriteRegister(addr, value, inv.Node)
	if err != nil {
		return &WriteError{Address: addr, Err: err}
	}
	return nil
}

// PendingWrite returns the write still awaiting confirmation at `addr`, if there is one.
func (inv *Inverter) PendingWrite(addr uint16) (PendingWrite, bool) {
	return inv.reconciler.Pending(addr)
}

// UpdateSoftwareVersions re-reads the software versions if `VersionInterval` has passed since the last attempt.
// It returns nil when no refresh was due.
func (inv *Inverter) UpdateSoftwareVersions(now time.Time) (*telemetry.Versions, error) {
	if !inv.lastVersionPoll.IsZero() && now.Sub(inv.lastVersionPoll) <= inv.options.VersionInterval {
		return nil, nil
	}
	inv.lastVersionPoll = now

	var versions telemetry.Versions
	targets := []struct {
		block registers.Block
		dest  *string
	}{
		{block: registers.MasterVersionBlock, dest: &versions.Master},
		{block: registers.SlaveVersionBlock, dest: &versions.Slave},
		{block: registers.EMSVersionBlock, dest: &versions.EMS},
		{block: registers.DCDCVersionBlock, dest: &versions.DCDC},
	}
	for _, target := range targets {
		val, err := inv.readString(target.block)
		if err != nil {
			return nil, err
		}
		*target.dest = val
	}

	inv.versions = versions
	inv.logger.Info(
		"Read software versions",
		"master", versions.Master,
		"slave", versions.Slave,
		"ems", versions.EMS,
		"dcdc", versions.DCDC,
	)

	return &versions, nil
}

// Versions returns the most recently read software versions.
func (inv *Inverter) Versions() telemetry.Versions {
	return inv.versions
}

func (inv *Inverter) readString(block registers.Block) (string, error) {
	regs, err := inv.ReadBlock(block)
	if err != nil {
		return "", err
	}
	val, err := registers.ToASCII(regs, 0, int(block.NumRegisters))
	if err != nil {
		return "", &DecodeError{Block: block.Name, Err: err}
	}
	return val, nil
}

// AdjustPVEnergyToday corrects the daily PV energy counter, which the inverters do not always reset at midnight.
// A drop to below 1kWh is taken as the start of a new day and the value at that point becomes the offset.
func (inv *Inverter) AdjustPVEnergyToday(raw float64) float64 {
	if inv.previousPVEnergyToday > raw && raw < 1 {
		inv.pvEnergyTodayOffset = raw
		inv.logger.Info("Setting PV energy today offset", "offset", raw)
	}
	inv.previousPVEnergyToday = raw
	return raw - inv.pvEnergyTodayOffset
}
