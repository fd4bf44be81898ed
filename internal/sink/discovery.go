package sink

import (
	"encoding/json"
	"fmt"

	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
)

// Manufacturer strings reported in discovery device blocks.
const (
	DeviceManufacturer = "rvlink"
	DeviceModelPrefix  = "rvlink "
)

type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	Connections  [][2]string `json:"connections,omitempty"`
}

type Availability struct {
	Topic string `json:"topic"`
}

// DiscoveryRecord is a Home Assistant MQTT discovery config payload.
type DiscoveryRecord struct {
	Component string `json:"-"`

	Name             string         `json:"name"`
	UniqueID         string         `json:"unique_id"`
	Availability     []Availability `json:"availability"`
	AvailabilityMode string         `json:"availability_mode,omitempty"`
	Device           DeviceInfo     `json:"device"`

	StateTopic   string `json:"state_topic,omitempty"`
	CommandTopic string `json:"command_topic,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`

	// light
	BrightnessStateTopic   string `json:"brightness_state_topic,omitempty"`
	BrightnessCommandTopic string `json:"brightness_command_topic,omitempty"`
	BrightnessScale        int    `json:"brightness_scale,omitempty"`
	OnCommandType          string `json:"on_command_type,omitempty"`

	// sensor
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`

	// climate
	ModeStateTopic              string   `json:"mode_state_topic,omitempty"`
	ModeCommandTopic            string   `json:"mode_command_topic,omitempty"`
	Modes                       []string `json:"modes,omitempty"`
	FanModeStateTopic           string   `json:"fan_mode_state_topic,omitempty"`
	FanModeCommandTopic         string   `json:"fan_mode_command_topic,omitempty"`
	FanModes                    []string `json:"fan_modes,omitempty"`
	TemperatureLowStateTopic    string   `json:"temperature_low_state_topic,omitempty"`
	TemperatureLowCommandTopic  string   `json:"temperature_low_command_topic,omitempty"`
	TemperatureHighStateTopic   string   `json:"temperature_high_state_topic,omitempty"`
	TemperatureHighCommandTopic string   `json:"temperature_high_command_topic,omitempty"`
	CurrentTemperatureTopic     string   `json:"current_temperature_topic,omitempty"`
	TemperatureUnit             string   `json:"temperature_unit,omitempty"`
	MinTemp                     int      `json:"min_temp,omitempty"`
	MaxTemp                     int      `json:"max_temp,omitempty"`
}

// Encode renders the record payload.
func (r DiscoveryRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DiscoveryBuilder produces the discovery record for a given display name.
// The publisher calls it on first sight of a (kind, key) and again, with the
// resolved name, when metadata arrives.
type DiscoveryBuilder func(name string) (DiscoveryRecord, error)

// Component returns the discovery component for an entity kind. Read-only
// kinds without a native read-only component surface as sensors.
func Component(kind entity.Kind) string {
	switch kind {
	case entity.KindSwitch:
		return "switch"
	case entity.KindLight:
		return "light"
	case entity.KindHVAC:
		return "climate"
	default:
		return "sensor"
	}
}

// BuilderFor returns the default discovery builder for e published under id.
func BuilderFor(t Topics, id device.PeripheralIdentity, e entity.Entity) DiscoveryBuilder {
	return func(name string) (DiscoveryRecord, error) {
		return BuildDiscovery(t, id, e, name)
	}
}

// BuildDiscovery renders the record for one entity. Every variant must be
// handled here.
func BuildDiscovery(t Topics, id device.PeripheralIdentity, e entity.Entity, name string) (DiscoveryRecord, error) {
	key := e.Key()
	rec := DiscoveryRecord{
		Component:        Component(e.Kind()),
		Name:             name,
		UniqueID:         fmt.Sprintf("rvlink_%s_%s_%s", id.Slug(), e.Kind(), key.Slug()),
		AvailabilityMode: "all",
		Availability: []Availability{
			{Topic: t.BridgeAvailability()},
			{Topic: t.Availability(id)},
		},
		Device: DeviceInfo{
			Identifiers:  []string{"rvlink_" + id.Slug()},
			Name:         fmt.Sprintf("%s %s", id.Family, id.Address),
			Manufacturer: DeviceManufacturer,
			Model:        DeviceModelPrefix + string(id.Family),
			Connections:  [][2]string{{"mac", id.Address}},
		},
	}
	state := func(field string) string { return t.State(id, key, field) }
	command := func(sub string) string { return t.Command(id, e.Kind(), key, sub) }

	switch v := e.(type) {
	case entity.Switch:
		rec.StateTopic = state("state")
		rec.CommandTopic = command("")
		rec.PayloadOn, rec.PayloadOff = "ON", "OFF"
	case entity.DimmableLight:
		rec.StateTopic = state("state")
		rec.CommandTopic = command("")
		rec.PayloadOn, rec.PayloadOff = "ON", "OFF"
		rec.BrightnessStateTopic = state("brightness")
		rec.BrightnessCommandTopic = command("brightness")
		rec.BrightnessScale = 255
		rec.OnCommandType = "brightness"
	case entity.Tank:
		rec.StateTopic = state("level")
		rec.UnitOfMeasurement = "%"
		rec.StateClass = "measurement"
	case entity.CoverSensor:
		rec.StateTopic = state("state")
	case entity.NumericSensor:
		rec.StateTopic = state(v.Measure)
		rec.UnitOfMeasurement = v.Unit
		rec.DeviceClass = sensorDeviceClass(v.Measure)
		rec.StateClass = "measurement"
	case entity.HVACZone:
		rec.ModeStateTopic = state("mode")
		rec.ModeCommandTopic = command("mode")
		rec.FanModeStateTopic = state("fan")
		rec.FanModeCommandTopic = command("fan")
		rec.TemperatureLowStateTopic = state("heat_setpoint")
		rec.TemperatureLowCommandTopic = command("heat_setpoint")
		rec.TemperatureHighStateTopic = state("cool_setpoint")
		rec.TemperatureHighCommandTopic = command("cool_setpoint")
		rec.TemperatureUnit = "F"
		rec.MinTemp, rec.MaxTemp = 40, 95
		if v.HasIndoor {
			rec.CurrentTemperatureTopic = state("indoor_temperature")
		}
		if v.Caps.Known {
			rec.Modes = v.Caps.Modes
			rec.FanModes = v.Caps.Fans
		} else {
			rec.Modes = []string{entity.HVACModeOff, entity.HVACModeHeat, entity.HVACModeCool, entity.HVACModeAuto, entity.HVACModeFan}
			rec.FanModes = []string{entity.FanAuto, entity.FanHigh, entity.FanLow}
		}
	default:
		return DiscoveryRecord{}, fmt.Errorf("no discovery layout for entity %T", e)
	}
	return rec, nil
}

func sensorDeviceClass(measure string) string {
	switch measure {
	case "voltage":
		return "voltage"
	case "current":
		return "current"
	case "temperature":
		return "temperature"
	case "soc":
		return "battery"
	case "duration", "minutes_remaining":
		return "duration"
	}
	return ""
}
