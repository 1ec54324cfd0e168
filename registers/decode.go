package registers

import (
	"fmt"

	"github.com/cepro/skylinecontroller/telemetry"
)

// DataType identifies how the registers of a field are interpreted.
type DataType int

const (
	Uint16 DataType = iota
	Int16
	Uint32
	Int32
)

// Field describes a value decoded from a poll frame. Where more than one offset is given, the values
// at each offset are summed before scaling (e.g. PV power is the sum of both MPPT trackers).
type Field struct {
	Name      string
	Block     Block
	Offsets   []int // register offsets from the start of the block
	DataType  DataType
	Divisor   float64
	Unit      string
	Precision int
}

// Frame holds the raw registers read in one poll cycle, keyed by block name.
type Frame map[string][]uint16

// Fields is the decoded field table for the Skyline hybrid inverters.
var Fields = []Field{
	{Name: "soc", Block: BatteryBlock, Offsets: []int{0}, DataType: Uint16, Divisor: 1, Unit: "%", Precision: 0},
	{Name: "pv_power", Block: PowerBlock, Offsets: []int{17, 21}, DataType: Uint32, Divisor: 10000, Unit: "kW", Precision: 1},
	{Name: "mppt1_power", Block: PowerBlock, Offsets: []int{17}, DataType: Uint32, Divisor: 10000, Unit: "kW", Precision: 2},
	{Name: "mppt2_power", Block: PowerBlock, Offsets: []int{21}, DataType: Uint32, Divisor: 10000, Unit: "kW", Precision: 2},
	{Name: "battery_load", Block: BatteryBlock, Offsets: []int{9}, DataType: Int32, Divisor: 10000, Unit: "kW", Precision: 2},
	{Name: "grid_load", Block: GridBlock, Offsets: []int{0}, DataType: Int32, Divisor: 10000, Unit: "kW", Precision: 1},
	{Name: "grid_tied_load", Block: GridBlock, Offsets: []int{10}, DataType: Int32, Divisor: 10000, Unit: "kW", Precision: 2},
	{Name: "eps_load", Block: EPSBlock, Offsets: []int{3, 9, 14}, DataType: Int32, Divisor: 10000, Unit: "kW", Precision: 2},
	{Name: "inverter_load", Block: PowerBlock, Offsets: []int{2, 7, 12}, DataType: Int32, Divisor: 10000, Unit: "kW", Precision: 2},
	{Name: "pv_energy_today", Block: PowerBlock, Offsets: []int{38}, DataType: Uint32, Divisor: 1000, Unit: "kWh", Precision: 2},
	{Name: "pv_energy_total", Block: PowerBlock, Offsets: []int{32}, DataType: Uint32, Divisor: 1, Unit: "kWh", Precision: 0},
	{Name: "grid_energy_in_total", Block: GridBlock, Offsets: []int{6}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "grid_energy_out_total", Block: GridBlock, Offsets: []int{8}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "grid_energy_in_today", Block: GridBlock, Offsets: []int{50}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "grid_energy_out_today", Block: GridBlock, Offsets: []int{52}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "battery_energy_in_total", Block: BatteryBlock, Offsets: []int{13}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "battery_energy_out_total", Block: BatteryBlock, Offsets: []int{17}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "battery_energy_in_today", Block: BatteryBlock, Offsets: []int{11}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "battery_energy_out_today", Block: BatteryBlock, Offsets: []int{15}, DataType: Uint32, Divisor: 100, Unit: "kWh", Precision: 2},
	{Name: "battery_voltage", Block: BatteryBlock, Offsets: []int{6}, DataType: Uint16, Divisor: 10, Unit: "V", Precision: 1},
	{Name: "battery_current", Block: BatteryBlock, Offsets: []int{7}, DataType: Int32, Divisor: 100, Unit: "A", Precision: 2},
	{Name: "grid_voltage", Block: GridBlock, Offsets: []int{26}, DataType: Uint16, Divisor: 10, Unit: "V", Precision: 1},
	{Name: "grid_current", Block: GridBlock, Offsets: []int{29}, DataType: Int32, Divisor: 100, Unit: "A", Precision: 2},
	{Name: "mppt1_voltage", Block: PowerBlock, Offsets: []int{15}, DataType: Uint16, Divisor: 10, Unit: "V", Precision: 1},
	{Name: "mppt1_current", Block: PowerBlock, Offsets: []int{16}, DataType: Uint16, Divisor: 100, Unit: "A", Precision: 2},
	{Name: "mppt2_voltage", Block: PowerBlock, Offsets: []int{19}, DataType: Uint16, Divisor: 10, Unit: "V", Precision: 1},
	{Name: "mppt2_current", Block: PowerBlock, Offsets: []int{20}, DataType: Uint16, Divisor: 100, Unit: "A", Precision: 2},
	{Name: "system_temp", Block: PowerBlock, Offsets: []int{27}, DataType: Int16, Divisor: 1, Unit: "°C", Precision: 0},
}

// Decode extracts every field in the table from the frame. It fails if a block is missing or a field lies outside its block.
func Decode(frame Frame) (map[string]telemetry.Field, error) {
	values := make(map[string]telemetry.Field, len(Fields))

	for _, field := range Fields {
		regs, ok := frame[field.Block.Name]
		if !ok {
			return nil, fmt.Errorf("field '%s': block '%s' missing from frame", field.Name, field.Block.Name)
		}

		total := 0.0
		for _, offset := range field.Offsets {
			val, err := decodeAt(regs, offset, field.DataType)
			if err != nil {
				return nil, fmt.Errorf("field '%s': %w", field.Name, err)
			}
			total += val
		}

		values[field.Name] = telemetry.Field{
			Value:     total / field.Divisor,
			Unit:      field.Unit,
			Precision: field.Precision,
		}
	}

	return values, nil
}

// Raw returns the unscaled register at `addr` from the frame.
func (f Frame) Raw(block Block, addr uint16) (uint16, error) {
	regs, ok := f[block.Name]
	if !ok {
		return 0, fmt.Errorf("block '%s' missing from frame", block.Name)
	}
	offset := int(addr) - int(block.StartAddr)
	if offset < 0 || offset >= len(regs) {
		return 0, fmt.Errorf("register %#x in block '%s': %w", addr, block.Name, ErrOutOfBounds)
	}
	return regs[offset], nil
}

func decodeAt(regs []uint16, offset int, dataType DataType) (float64, error) {
	switch dataType {
	case Uint16, Int16:
		if offset < 0 || offset >= len(regs) {
			return 0, fmt.Errorf("register %d of %d: %w", offset, len(regs), ErrOutOfBounds)
		}
		if dataType == Int16 {
			return float64(ToSigned16(regs[offset])), nil
		}
		return float64(regs[offset]), nil
	case Uint32:
		val, err := ToUnsigned32(regs, offset)
		return float64(val), err
	case Int32:
		val, err := ToSigned32(regs, offset)
		return float64(val), err
	default:
		return 0, fmt.Errorf("unknown data type %d", dataType)
	}
}
