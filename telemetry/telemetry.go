package telemetry

import (
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ReadingMeta holds the identifying data common to every reading
type ReadingMeta struct {
	ID       uuid.UUID
	DeviceID string // inverter serial number, or "skyline" for site level readings
	Time     time.Time
}

// Field is a single decoded value together with the unit and display precision that the host should use for it.
type Field struct {
	Value     float64
	Unit      string
	Precision int // number of decimal places to display, or -1 to leave it to the host
}

// Rounded returns the value rounded to the field's precision.
func (f Field) Rounded() float64 {
	if f.Precision < 0 {
		return f.Value
	}
	scale := math.Pow(10, float64(f.Precision))
	return math.Round(f.Value*scale) / scale
}

// String formats the value at the field's precision.
func (f Field) String() string {
	return strconv.FormatFloat(f.Rounded(), 'f', f.Precision, 64)
}

// Versions holds the software versions reported by an inverter.
type Versions struct {
	Master string
	Slave  string
	EMS    string
	DCDC   string
}

// InverterReading holds the data pulled from one inverter in one successful poll cycle.
// Fields are keyed "<serial>_<field>", e.g. "HS123456_pv_power".
type InverterReading struct {
	ReadingMeta
	ModelNumber string
	Fields      map[string]Field
	AmImporting bool
	AmExporting bool

	// Versions is only populated on the cycles where the software versions were refreshed
	Versions *Versions
}

// SiteReading holds the site wide figures derived at the end of a poll cycle, keyed "skyline_<field>".
type SiteReading struct {
	ReadingMeta
	Fields          map[string]Field
	MatchingEnabled bool               // the excess power matching mode is switched on
	FeedInW         int64              // the last committed feed in limit per inverter, or -1 if none has been committed yet
	Settings        map[string]float64 // current runtime settings of the excess power controller, keyed by name
}

// FeedInCommit records a grid feed in limit that was committed by the excess power controller.
type FeedInCommit struct {
	ReadingMeta
	FeedInW         int64   // the committed limit per inverter
	AverageExcessKW float64 // the averaged excess solar power that the limit was derived from
	SoCBiasKW       float64 // the state of charge correction that was applied
	SoC             float64
}
