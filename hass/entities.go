package hass

import (
	"fmt"

	"github.com/cepro/skylinecontroller/controller"
	"github.com/cepro/skylinecontroller/registers"
)

// siteObject is the topic segment used for site wide entities in place of an inverter serial number.
const siteObject = "site"

// Autoconfig is a Home Assistant MQTT discovery payload.
type Autoconfig struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"uniq_id"`
	StateTopic        string           `json:"stat_t"`
	CommandTopic      string           `json:"cmd_t,omitempty"`
	AvailabilityTopic string           `json:"avty_t"`
	DeviceClass       string           `json:"dev_cla,omitempty"`
	StateClass        string           `json:"stat_cla,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_meas,omitempty"`
	Min               *float64         `json:"min,omitempty"`
	Max               *float64         `json:"max,omitempty"`
	Step              float64          `json:"step,omitempty"`
	Options           []string         `json:"options,omitempty"`
	Device            AutoconfigDevice `json:"dev"`
}

type AutoconfigDevice struct {
	IDs          string `json:"ids"`
	Name         string `json:"name"`
	Model        string `json:"mdl,omitempty"`
	Manufacturer string `json:"mf,omitempty"`
}

// entity is one Home Assistant entity and the discovery topic it is announced on.
type entity struct {
	component string // sensor, binary_sensor, number, select or switch
	object    string // inverter serial number or siteObject
	name      string
	config    Autoconfig
}

func (p *Publisher) stateTopic(object, name string) string {
	return fmt.Sprintf("%s/%s/%s/state", p.topicPrefix, object, name)
}

func (p *Publisher) commandTopic(object, name string) string {
	return fmt.Sprintf("%s/%s/%s/set", p.topicPrefix, object, name)
}

func (p *Publisher) discoveryTopic(e entity) string {
	return fmt.Sprintf("%s/%s/%s_%s/%s/config", p.discoveryPrefix, e.component, p.topicPrefix, e.object, e.name)
}

func (p *Publisher) availabilityTopic() string {
	return p.topicPrefix + "/status"
}

func (p *Publisher) newEntity(component, object, name string, device AutoconfigDevice) entity {
	return entity{
		component: component,
		object:    object,
		name:      name,
		config: Autoconfig{
			Name:              name,
			UniqueID:          fmt.Sprintf("%s_%s_%s", p.topicPrefix, object, name),
			StateTopic:        p.stateTopic(object, name),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            device,
		},
	}
}

// classesForUnit returns the device and state class Home Assistant expects for a sensor in `unit`.
func classesForUnit(unit string) (string, string) {
	switch unit {
	case "kW":
		return "power", "measurement"
	case "kWh":
		return "energy", "total_increasing"
	case "V":
		return "voltage", "measurement"
	case "A":
		return "current", "measurement"
	case "%":
		return "battery", "measurement"
	case "°C":
		return "temperature", "measurement"
	}
	return "", ""
}

func workModeOptions() []string {
	modes := []registers.WorkMode{
		registers.WorkModeSelfConsumption,
		registers.WorkModeFeedInPriority,
		registers.WorkModeTimeBased,
		registers.WorkModeBackupSupply,
		registers.WorkModeBatteryDischarge,
	}
	options := make([]string, len(modes))
	for i, mode := range modes {
		options[i] = mode.String()
	}
	return options
}

// inverterEntities returns every entity of one inverter.
func (p *Publisher) inverterEntities(serial, model string) []entity {
	device := AutoconfigDevice{
		IDs:          serial,
		Name:         "Skyline " + serial,
		Model:        model,
		Manufacturer: "Skyline",
	}

	var entities []entity
	for _, field := range registers.Fields {
		e := p.newEntity("sensor", serial, field.Name, device)
		e.config.UnitOfMeasurement = field.Unit
		e.config.DeviceClass, e.config.StateClass = classesForUnit(field.Unit)
		entities = append(entities, e)
	}

	for _, name := range []string{"grid_am_importing", "grid_am_exporting"} {
		e := p.newEntity("binary_sensor", serial, name, device)
		e.config.DeviceClass = "power"
		entities = append(entities, e)
	}

	for _, name := range []string{"master_version", "slave_version", "ems_version", "dcdc_version"} {
		entities = append(entities, p.newEntity("sensor", serial, name, device))
	}

	for name, adj := range registers.Adjustables {
		var e entity
		switch name {
		case "hybrid_work_mode":
			e = p.newEntity("select", serial, name, device)
			e.config.Options = workModeOptions()
		case "eps_enabled":
			e = p.newEntity("switch", serial, name, device)
		default:
			e = p.newEntity("number", serial, name, device)
			minimum, maximum := adj.Min, adj.MaxFor(p.inverterCount)
			e.config.Min = &minimum
			e.config.Max = &maximum
			e.config.Step = 1
			if adj.Unit == "kW" {
				e.config.Step = 0.1
			}
			e.config.UnitOfMeasurement = adj.Unit
		}
		e.config.CommandTopic = p.commandTopic(serial, name)
		entities = append(entities, e)
	}

	return entities
}

// siteEntities returns the site wide sensors and the excess power controller settings.
func (p *Publisher) siteEntities(fields []string) []entity {
	device := AutoconfigDevice{
		IDs:          p.topicPrefix + "_site",
		Name:         "Skyline",
		Manufacturer: "Skyline",
	}

	var entities []entity
	for _, name := range fields {
		e := p.newEntity("sensor", siteObject, name, device)
		e.config.UnitOfMeasurement = "kW"
		e.config.DeviceClass, e.config.StateClass = classesForUnit("kW")
		entities = append(entities, e)
	}

	feedIn := p.newEntity("sensor", siteObject, "committed_feed_in", device)
	feedIn.config.UnitOfMeasurement = "W"
	feedIn.config.DeviceClass, feedIn.config.StateClass = "power", "measurement"
	entities = append(entities, feedIn)

	for name, setting := range controller.Settings {
		var e entity
		if name == controller.SettingMatchFeedInToExcess {
			e = p.newEntity("switch", siteObject, name, device)
		} else {
			e = p.newEntity("number", siteObject, name, device)
			minimum, maximum := setting.Min, setting.Max
			e.config.Min = &minimum
			e.config.Max = &maximum
			e.config.Step = setting.Step
			e.config.UnitOfMeasurement = setting.Unit
		}
		e.config.CommandTopic = p.commandTopic(siteObject, name)
		entities = append(entities, e)
	}

	return entities
}
