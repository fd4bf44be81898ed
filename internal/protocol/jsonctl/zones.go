package jsonctl

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/codec"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
)

// Setpoint bounds in degrees F.
const (
	MinSetpoint = 40
	MaxSetpoint = 95
)

var (
	modes = []string{entity.HVACModeOff, entity.HVACModeHeat, entity.HVACModeCool, entity.HVACModeAuto, entity.HVACModeFan}
	fans  = []string{entity.FanAuto, entity.FanHigh, entity.FanLow}
)

// Capability bitmasks of the config response. Off is always available.
var (
	modeBits = map[string]int64{
		entity.HVACModeHeat: 0x01,
		entity.HVACModeCool: 0x02,
		entity.HVACModeAuto: 0x04,
		entity.HVACModeFan:  0x08,
	}
	fanBits = map[string]int64{
		entity.FanAuto: 0x01,
		entity.FanHigh: 0x02,
		entity.FanLow:  0x04,
	}
)

var setpointWire = map[string]string{
	"heat_setpoint": "heat_sp",
	"cool_setpoint": "cool_sp",
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func zoneOf(msg codec.Message) (int, error) {
	zone, ok := msg.Int("zone")
	if !ok || zone < 0 || zone > 255 {
		return 0, fmt.Errorf("missing or invalid zone")
	}
	return int(zone), nil
}

// onStatus decodes
//
//	{"type":"status","zone":1,"mode":"heat","fan":"auto","heat_source":"gas",
//	 "heat_sp":68,"cool_sp":76,"temp":70.5}
//
// temp and heat_source are optional.
func (p *Protocol) onStatus(s *session.Session, msg codec.Message) error {
	zone, err := zoneOf(msg)
	if err != nil {
		return err
	}
	mode, _ := msg.Text("mode")
	if !contains(modes, mode) {
		return fmt.Errorf("mode %q", mode)
	}
	fan, _ := msg.Text("fan")
	if !contains(fans, fan) {
		return fmt.Errorf("fan %q", fan)
	}
	heat, okHeat := msg.Int("heat_sp")
	cool, okCool := msg.Int("cool_sp")
	if !okHeat || !okCool {
		return fmt.Errorf("missing setpoints")
	}

	z := entity.HVACZone{
		Base:         entity.Base{Table: ZoneTable, ID: uint8(zone)},
		Mode:         mode,
		Fan:          fan,
		HeatSetpoint: int(heat),
		CoolSetpoint: int(cool),
		Caps:         p.zoneCaps(zone),
	}
	if src, ok := msg.Text("heat_source"); ok {
		z.HeatSource = src
	}
	if temp, ok := msg.Float("temp"); ok {
		z.HasIndoor = true
		z.Indoor = temp
	}
	s.PublishEntity(z, nil)
	return nil
}

// onConfig decodes {"type":"config","zone":1,"caps":{"modes":15,"fans":7}}.
func (p *Protocol) onConfig(s *session.Session, msg codec.Message) error {
	zone, err := zoneOf(msg)
	if err != nil {
		return err
	}
	group, ok := msg.Group("caps")
	if !ok {
		return fmt.Errorf("missing caps")
	}
	caps := p.applyCaps(zone, group)
	s.Logger().WithFields(logrus.Fields{
		"zone":  zone,
		"modes": caps.Modes,
		"fans":  caps.Fans,
	}).Debug("Zone capabilities received")
	return nil
}

func (p *Protocol) applyCaps(zone int, group codec.Message) entity.HVACCaps {
	modeMask, _ := group.Int("modes")
	fanMask, _ := group.Int("fans")

	caps := entity.HVACCaps{Known: true, Modes: []string{entity.HVACModeOff}}
	for _, m := range modes[1:] {
		if modeMask&modeBits[m] != 0 {
			caps.Modes = append(caps.Modes, m)
		}
	}
	for _, f := range fans {
		if fanMask&fanBits[f] != 0 {
			caps.Fans = append(caps.Fans, f)
		}
	}

	p.mu.Lock()
	p.caps[zone] = caps
	p.mu.Unlock()
	return caps
}

func (p *Protocol) onChangeAck(s *session.Session, msg codec.Message) {
	result, _ := msg.Text("result")
	fields := logrus.Fields{"zone": msg["zone"], "result": result}
	if result != "ok" {
		reason, _ := msg.Text("reason")
		fields["reason"] = reason
		s.Logger().WithFields(fields).Warn("Controller rejected change")
		return
	}
	s.Logger().WithFields(fields).Debug("Change acknowledged")
}

// Control wraps the requested fields in a change envelope:
//
//	{"type":"change","zone":1,"changes":{"mode":"cool","cool_sp":74}}
//
// A status read is scheduled after the write so the real state replaces the
// optimistic one even when no poll is due.
func (p *Protocol) Control(s *session.Session, current entity.Entity, req session.ControlRequest) (*session.CommandPlan, error) {
	if req.Kind != entity.KindHVAC || req.Key.Table != ZoneTable {
		return nil, fmt.Errorf("%w: no jsonctl encoding for %s %s", session.ErrUnknownEntity, req.Kind, req.Key)
	}
	zoneID := int(req.Key.ID)
	if !p.knownZone(zoneID) {
		return nil, fmt.Errorf("%w: zone %d is not configured", session.ErrUnknownEntity, zoneID)
	}

	// The optimistic state is the reported zone with the requested fields
	// applied, so nothing is sent before the first status.
	zone, ok := current.(entity.HVACZone)
	if !ok {
		return nil, fmt.Errorf("%w: zone %d has not reported status yet", session.ErrUnknownEntity, zoneID)
	}
	zone.Base = entity.Base{Table: ZoneTable, ID: req.Key.ID}
	changes := codec.Message{}
	target := make(map[string]string)

	if v, ok := req.Value("mode"); ok {
		if !contains(modes, v) {
			return nil, fmt.Errorf("%w: mode %q", session.ErrInvalidCommand, v)
		}
		if caps := p.zoneCaps(zoneID); caps.Known && !contains(caps.Modes, v) {
			return nil, fmt.Errorf("%w: zone %d does not support %s", session.ErrInvalidCommand, zoneID, v)
		}
		zone.Mode = v
		changes["mode"] = v
		target["mode"] = v
	}
	if v, ok := req.Value("fan"); ok {
		if !contains(fans, v) {
			return nil, fmt.Errorf("%w: fan %q", session.ErrInvalidCommand, v)
		}
		if caps := p.zoneCaps(zoneID); caps.Known && !contains(caps.Fans, v) {
			return nil, fmt.Errorf("%w: zone %d does not support fan %s", session.ErrInvalidCommand, zoneID, v)
		}
		zone.Fan = v
		changes["fan"] = v
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
		changes[setpointWire[field]] = int64(t)
		target[field] = strconv.Itoa(t)
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: nothing to change", session.ErrInvalidCommand)
	}
	if !zone.Caps.Known {
		zone.Caps = p.zoneCaps(zoneID)
	}

	data, err := codec.Message{"type": typeChange, "zone": int64(zoneID), "changes": changes}.Encode()
	if err != nil {
		return nil, err
	}
	return &session.CommandPlan{
		Optimistic:  zone,
		Target:      target,
		Window:      ChangeWindow,
		Writes:      s.ChunkWrites(p.chars[RoleWrite], data, true),
		Retry:       session.DefaultRetryPolicy(),
		VerifyAfter: VerifyAfter,
		Verify:      func(s *session.Session) { p.request(s, typeStatus, zoneID) },
	}, nil
}

func (p *Protocol) knownZone(zone int) bool {
	for _, z := range p.cfg.Zones {
		if z == zone {
			return true
		}
	}
	return false
}
