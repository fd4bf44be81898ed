package entity

import (
	"fmt"
	"strconv"
)

// Kind tags an entity variant. It is also the entity-type segment of command
// topics and the component of discovery records.
type Kind string

const (
	KindSwitch Kind = "switch"
	KindLight  Kind = "light"
	KindTank   Kind = "tank"
	KindCover  Kind = "cover"
	KindSensor Kind = "sensor"
	KindHVAC   Kind = "climate"
)

// ParseKind maps a command-topic segment back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSwitch, KindLight, KindTank, KindCover, KindSensor, KindHVAC:
		return k, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Key is the stable identity of an entity within one session: owning table plus
// in-table id. Unique per session.
type Key struct {
	Table uint8
	ID    uint8
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Table, k.ID)
}

// Slug is the key as used inside discovery unique ids.
func (k Key) Slug() string {
	return fmt.Sprintf("%02x%02x", k.Table, k.ID)
}

// Entity is the closed set of observable/controllable points. The unexported
// method seals the union: every variant lives in this package, and dispatch
// sites switch over the concrete types with a default that reports an error.
type Entity interface {
	Kind() Kind
	Key() Key
	// Fields returns the state-field -> value strings published for this entity.
	Fields() map[string]string
	// ReadOnly reports whether control requests must be rejected.
	ReadOnly() bool

	sealed()
}

// Base carries the fields common to every variant.
type Base struct {
	Table uint8
	ID    uint8
}

func (b Base) Key() Key { return Key{Table: b.Table, ID: b.ID} }
func (Base) sealed()    {}

// Switch is a latching relay.
type Switch struct {
	Base
	On    bool
	Fault bool

	// extended form only
	HasCurrent bool
	Current    float64 // amps
}

func (Switch) Kind() Kind     { return KindSwitch }
func (Switch) ReadOnly() bool { return false }

func (s Switch) Fields() map[string]string {
	f := map[string]string{"state": onOff(s.On)}
	if s.Fault {
		f["fault"] = "ON"
	} else {
		f["fault"] = "OFF"
	}
	if s.HasCurrent {
		f["current"] = formatFloat(s.Current, 2)
	}
	return f
}

// Light modes on the bus dimmer.
const (
	LightModeOff   uint8 = 0
	LightModeOn    uint8 = 1
	LightModeBlink uint8 = 2
	LightModeSwell uint8 = 3
)

// DimmableLight carries brightness 0-255 and an on/off mode.
type DimmableLight struct {
	Base
	Mode       uint8
	Brightness uint8
}

func (DimmableLight) Kind() Kind     { return KindLight }
func (DimmableLight) ReadOnly() bool { return false }

func (l DimmableLight) On() bool { return l.Mode != LightModeOff }

func (l DimmableLight) Fields() map[string]string {
	return map[string]string{
		"state":      onOff(l.On()),
		"brightness": strconv.Itoa(int(l.Brightness)),
	}
}

// Tank reports a fill level 0-100.
type Tank struct {
	Base
	Percent uint8
}

func (Tank) Kind() Kind     { return KindTank }
func (Tank) ReadOnly() bool { return true }

func (t Tank) Fields() map[string]string {
	return map[string]string{"level": strconv.Itoa(int(t.Percent))}
}

// Cover motion states reported by h-bridge relays.
const (
	CoverStopped = "stopped"
	CoverOpening = "opening"
	CoverClosing = "closing"
)

// CoverSensor is a motorized slide or awning. State only: no control encoding
// exists because the motors lack limit switches and overcurrent protection.
type CoverSensor struct {
	Base
	State string
}

func (CoverSensor) Kind() Kind     { return KindCover }
func (CoverSensor) ReadOnly() bool { return true }

func (c CoverSensor) Fields() map[string]string {
	return map[string]string{"state": c.State}
}

// NumericSensor is a read-only measurement such as voltage or temperature.
type NumericSensor struct {
	Base
	Measure   string // "voltage", "temperature", "current", ...
	Unit      string
	Value     float64
	Precision int
}

func (NumericSensor) Kind() Kind     { return KindSensor }
func (NumericSensor) ReadOnly() bool { return true }

func (s NumericSensor) Fields() map[string]string {
	return map[string]string{s.Measure: formatFloat(s.Value, s.Precision)}
}

// HVAC modes, fan modes and heat sources shared by the bus and jsonctl families.
const (
	HVACModeOff  = "off"
	HVACModeHeat = "heat"
	HVACModeCool = "cool"
	HVACModeAuto = "heat_cool"
	HVACModeFan  = "fan_only"

	FanAuto = "auto"
	FanHigh = "high"
	FanLow  = "low"

	HeatSourceGas      = "gas"
	HeatSourceHeatPump = "heat_pump"
	HeatSourceOther    = "other"
)

// HVACCaps is the capability set a zone advertises.
type HVACCaps struct {
	Modes []string
	Fans  []string
	Known bool
}

// HVACZone is one climate zone.
type HVACZone struct {
	Base
	Mode         string
	Fan          string
	HeatSource   string
	HeatSetpoint int // degrees F
	CoolSetpoint int // degrees F

	HasIndoor bool
	Indoor    float64

	Caps HVACCaps
}

func (HVACZone) Kind() Kind     { return KindHVAC }
func (HVACZone) ReadOnly() bool { return false }

func (z HVACZone) Fields() map[string]string {
	f := map[string]string{
		"mode":          z.Mode,
		"fan":           z.Fan,
		"heat_setpoint": strconv.Itoa(z.HeatSetpoint),
		"cool_setpoint": strconv.Itoa(z.CoolSetpoint),
	}
	if z.HeatSource != "" {
		f["heat_source"] = z.HeatSource
	}
	if z.HasIndoor {
		f["indoor_temperature"] = formatFloat(z.Indoor, 1)
	}
	return f
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func formatFloat(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}
