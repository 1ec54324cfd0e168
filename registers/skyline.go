package registers

// Block represents a contiguous block of holding registers that is read in one chunk.
type Block struct {
	Name         string // name of the block used for context/logging and to key decoded frames
	StartAddr    uint16 // the first register address of the block
	NumRegisters uint16 // the number of registers the block must contain for the frame to be usable
}

// Contains returns true if the address lies inside the block.
func (b Block) Contains(addr uint16) bool {
	return addr >= b.StartAddr && int(addr) < int(b.StartAddr)+int(b.NumRegisters)
}

var (
	PowerBlock      = Block{Name: "power", StartAddr: 0x1001, NumRegisters: 64}
	GridBlock       = Block{Name: "grid", StartAddr: 0x1300, NumRegisters: 63}
	BatteryBlock    = Block{Name: "battery", StartAddr: 0x2000, NumRegisters: 19}
	ConfigBlock     = Block{Name: "config", StartAddr: 0x2100, NumRegisters: 34}
	GridConfigBlock = Block{Name: "grid_config", StartAddr: 0x30B0, NumRegisters: 12}
	EPSBlock        = Block{Name: "eps", StartAddr: 0x1350, NumRegisters: 19}
)

// PollBlocks is the fixed read set issued for every inverter on every poll cycle.
var PollBlocks = []Block{PowerBlock, GridBlock, BatteryBlock, ConfigBlock, GridConfigBlock, EPSBlock}

// Identity and version registers, each holding a packed ASCII string.
var (
	ModelBlock         = Block{Name: "model", StartAddr: 0x1A00, NumRegisters: 8}
	SerialBlock        = Block{Name: "serial", StartAddr: 0x1A10, NumRegisters: 8}
	MasterVersionBlock = Block{Name: "master_version", StartAddr: 0x1A1C, NumRegisters: 3}
	SlaveVersionBlock  = Block{Name: "slave_version", StartAddr: 0x1A26, NumRegisters: 3}
	EMSVersionBlock    = Block{Name: "ems_version", StartAddr: 0x1A60, NumRegisters: 3}
	DCDCVersionBlock   = Block{Name: "dcdc_version", StartAddr: 0x1A6F, NumRegisters: 3}
)

// Writable registers
const (
	RegisterWorkMode              uint16 = 0x2100
	RegisterGridMaxChargePower    uint16 = 0x2116
	RegisterGridMaxChargeSoC      uint16 = 0x2117
	RegisterBatteryMaxChargePower uint16 = 0x2118
	RegisterBatteryMaxSoC         uint16 = 0x2119
	RegisterBatteryMaxPower       uint16 = 0x211A
	RegisterEPSEnabled            uint16 = 0x211C
	RegisterGridMaxFeedInPower    uint16 = 0x30BA
)

// WorkMode is the hybrid work mode held in RegisterWorkMode.
type WorkMode uint16

const (
	WorkModeSelfConsumption  WorkMode = 0
	WorkModeFeedInPriority   WorkMode = 1
	WorkModeTimeBased        WorkMode = 2
	WorkModeBackupSupply     WorkMode = 3
	WorkModeBatteryDischarge WorkMode = 4
)

var workModeNames = map[WorkMode]string{
	WorkModeSelfConsumption:  "Self Consumption Priority",
	WorkModeFeedInPriority:   "Feed In Priority",
	WorkModeTimeBased:        "Time based Control",
	WorkModeBackupSupply:     "Backup Supply",
	WorkModeBatteryDischarge: "Battery Discharge",
}

func (w WorkMode) String() string {
	name, ok := workModeNames[w]
	if !ok {
		return "Unknown"
	}
	return name
}

// WorkModeFromName returns the work mode with the given display name.
func WorkModeFromName(name string) (WorkMode, bool) {
	for mode, modeName := range workModeNames {
		if modeName == name {
			return mode, true
		}
	}
	return 0, false
}

// Adjustable describes a user adjustable inverter register. The user facing value is multiplied by `Multiplier`
// to get the raw register value. When `AdjustForParallel` is set, the user facing value is a site total which
// is split evenly across the parallel inverters.
type Adjustable struct {
	Name              string
	Register          uint16
	Block             Block
	Multiplier        float64
	AdjustForParallel bool
	Min               float64
	Max               float64 // per inverter maximum, scaled up by the number of inverters when AdjustForParallel is set
	Unit              string
}

// multiplier returns the scaling between the user facing value and the raw register for `inverters` parallel inverters.
func (a Adjustable) multiplier(inverters int) float64 {
	if a.AdjustForParallel && inverters > 1 {
		return a.Multiplier / float64(inverters)
	}
	return a.Multiplier
}

// ToRaw converts a user facing value into the raw register value.
func (a Adjustable) ToRaw(value float64, inverters int) uint16 {
	return uint16(value * a.multiplier(inverters))
}

// FromRaw converts a raw register value into the user facing value.
func (a Adjustable) FromRaw(raw uint16, inverters int) float64 {
	return float64(raw) / a.multiplier(inverters)
}

// MaxFor returns the maximum user facing value for `inverters` parallel inverters.
func (a Adjustable) MaxFor(inverters int) float64 {
	if a.AdjustForParallel && inverters > 0 {
		return a.Max * float64(inverters)
	}
	return a.Max
}

// Adjustables are the registers a user may write directly, keyed by name.
var Adjustables = map[string]Adjustable{
	"battery_max_power":        {Name: "battery_max_power", Register: RegisterBatteryMaxPower, Block: ConfigBlock, Multiplier: 1000, AdjustForParallel: true, Min: 0, Max: 6, Unit: "kW"},
	"grid_max_charge_power":    {Name: "grid_max_charge_power", Register: RegisterGridMaxChargePower, Block: ConfigBlock, Multiplier: 1000, AdjustForParallel: true, Min: 0, Max: 6, Unit: "kW"},
	"battery_max_charge_power": {Name: "battery_max_charge_power", Register: RegisterBatteryMaxChargePower, Block: ConfigBlock, Multiplier: 1000, AdjustForParallel: true, Min: 0, Max: 6, Unit: "kW"},
	"grid_max_feed_in_power":   {Name: "grid_max_feed_in_power", Register: RegisterGridMaxFeedInPower, Block: GridConfigBlock, Multiplier: 1000, AdjustForParallel: true, Min: 0, Max: 6, Unit: "kW"},
	"grid_max_charge_soc":      {Name: "grid_max_charge_soc", Register: RegisterGridMaxChargeSoC, Block: ConfigBlock, Multiplier: 1, Min: 0, Max: 100, Unit: "%"},
	"battery_max_soc":          {Name: "battery_max_soc", Register: RegisterBatteryMaxSoC, Block: ConfigBlock, Multiplier: 1, Min: 0, Max: 100, Unit: "%"},
	"hybrid_work_mode":         {Name: "hybrid_work_mode", Register: RegisterWorkMode, Block: ConfigBlock, Multiplier: 1, Min: 0, Max: 4},
	"eps_enabled":              {Name: "eps_enabled", Register: RegisterEPSEnabled, Block: ConfigBlock, Multiplier: 1, Min: 0, Max: 1},
}
