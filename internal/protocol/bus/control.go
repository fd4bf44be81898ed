package bus

import (
	"fmt"
	"strconv"

	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
)

// HVAC setpoint bounds in degrees F.
const (
	MinSetpoint = 40
	MaxSetpoint = 95
)

// Control encodes switch, dimmer and hvac commands. Every command is framed
// as [cmd id(2), command type, args...].
func (p *Protocol) Control(_ *session.Session, current entity.Entity, req session.ControlRequest) (*session.CommandPlan, error) {
	switch req.Kind {
	case entity.KindSwitch:
		return p.controlSwitch(current, req)
	case entity.KindLight:
		return p.controlDimmer(current, req)
	case entity.KindHVAC:
		return p.controlHVAC(current, req)
	}
	return nil, fmt.Errorf("%w: no bus encoding for %s", session.ErrUnknownEntity, req.Kind)
}

func (p *Protocol) plan(optimistic entity.Entity, target map[string]string, payload []byte) *session.CommandPlan {
	return &session.CommandPlan{
		Optimistic: optimistic,
		Target:     target,
		Window:     CommandWindow,
		Writes:     []session.Write{p.dataWrite(payload)},
		Retry:      session.DefaultRetryPolicy(),
	}
}

func (p *Protocol) header(cmd byte) []byte {
	id := p.nextCommandID()
	return []byte{byte(id >> 8), byte(id), cmd}
}

func (p *Protocol) controlSwitch(current entity.Entity, req session.ControlRequest) (*session.CommandPlan, error) {
	state, ok := req.Value("state")
	if !ok {
		return nil, fmt.Errorf("%w: switch needs state", session.ErrInvalidCommand)
	}
	sw, _ := current.(entity.Switch)
	sw.Base = entity.Base{Table: req.Key.Table, ID: req.Key.ID}
	sw.On = state == "ON"

	var on byte
	if sw.On {
		on = 1
	}
	payload := append(p.header(CmdSetSwitch), req.Key.Table, on, req.Key.ID)
	return p.plan(sw, map[string]string{"state": state}, payload), nil
}

// controlDimmer only guards the fields the request names, so a brightness
// command is confirmed by any frame carrying that brightness.
func (p *Protocol) controlDimmer(current entity.Entity, req session.ControlRequest) (*session.CommandPlan, error) {
	light, _ := current.(entity.DimmableLight)
	light.Base = entity.Base{Table: req.Key.Table, ID: req.Key.ID}
	target := make(map[string]string)

	if state, ok := req.Value("state"); ok {
		if state == "ON" {
			light.Mode = entity.LightModeOn
			if light.Brightness == 0 {
				light.Brightness = 255
			}
		} else {
			light.Mode = entity.LightModeOff
		}
		target["state"] = state
	}

	b, ok, err := req.Int("brightness")
	if err != nil {
		return nil, err
	}
	if ok {
		if b < 0 || b > 255 {
			return nil, fmt.Errorf("%w: brightness %d out of range", session.ErrInvalidCommand, b)
		}
		light.Brightness = uint8(b)
		if b == 0 {
			light.Mode = entity.LightModeOff
		} else if _, explicit := req.Value("state"); !explicit {
			light.Mode = entity.LightModeOn
		}
		target["brightness"] = strconv.Itoa(b)
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("%w: light needs state or brightness", session.ErrInvalidCommand)
	}

	payload := append(p.header(CmdSetDimmer), req.Key.Table, req.Key.ID, light.Mode, light.Brightness, 0)
	return p.plan(light, target, payload), nil
}

func (p *Protocol) controlHVAC(current entity.Entity, req session.ControlRequest) (*session.CommandPlan, error) {
	// The command rewrites every field of the zone, so it can only be
	// built on top of a reported status.
	zone, ok := current.(entity.HVACZone)
	if !ok {
		return nil, fmt.Errorf("%w: hvac zone %s has not reported status yet", session.ErrUnknownEntity, req.Key)
	}
	zone.Base = entity.Base{Table: req.Key.Table, ID: req.Key.ID}
	target := make(map[string]string)

	if v, ok := req.Value("mode"); ok {
		if indexOf(hvacModes, v) < 0 {
			return nil, fmt.Errorf("%w: hvac mode %q", session.ErrInvalidCommand, v)
		}
		zone.Mode = v
		target["mode"] = v
	}
	if v, ok := req.Value("fan"); ok {
		if indexOf(hvacFans, v) < 0 {
			return nil, fmt.Errorf("%w: fan mode %q", session.ErrInvalidCommand, v)
		}
		if zone.Caps.Known && len(zone.Caps.Fans) > 0 && indexOf(zone.Caps.Fans, v) < 0 {
			return nil, fmt.Errorf("%w: fan mode %q not supported by zone", session.ErrInvalidCommand, v)
		}
		zone.Fan = v
		target["fan"] = v
	}
	for _, field := range []string{"heat_setpoint", "cool_setpoint"} {
		t, ok, err := req.Int(field)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if t < MinSetpoint || t > MaxSetpoint {
			return nil, fmt.Errorf("%w: %s %d outside %d-%d", session.ErrInvalidCommand, field, t, MinSetpoint, MaxSetpoint)
		}
		if field == "heat_setpoint" {
			zone.HeatSetpoint = t
		} else {
			zone.CoolSetpoint = t
		}
		target[field] = strconv.Itoa(t)
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("%w: hvac needs mode, fan or a setpoint", session.ErrInvalidCommand)
	}
	if zone.Caps.Known && zone.Mode != entity.HVACModeOff && indexOf(zone.Caps.Modes, zone.Mode) < 0 {
		return nil, fmt.Errorf("%w: zone does not support %s", session.ErrInvalidCommand, zone.Mode)
	}

	source := indexOf(hvacHeatSources, zone.HeatSource)
	if source < 0 {
		source = 0
	}
	command := byte(indexOf(hvacModes, zone.Mode)) | byte(source)<<4 | byte(indexOf(hvacFans, zone.Fan))<<6
	payload := append(p.header(CmdSetHVAC), req.Key.Table, req.Key.ID, command,
		byte(zone.HeatSetpoint), byte(zone.CoolSetpoint))
	return p.plan(zone, target, payload), nil
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
