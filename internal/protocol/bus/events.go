package bus

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
)

// Event tags, the first byte of every decoded payload.
const (
	TagGatewayInfo     byte = 0x01
	TagCommandResponse byte = 0x02
	TagDeviceOnline    byte = 0x03
	TagDeviceLock      byte = 0x04
	TagRelayLatching1  byte = 0x05
	TagRelayLatching2  byte = 0x06
	TagRVStatus        byte = 0x07
	TagDimmableLight   byte = 0x08
	TagRGBLight        byte = 0x09
	TagGenerator       byte = 0x0A
	TagHVAC            byte = 0x0B
	TagTank            byte = 0x0C
	TagHBridge1        byte = 0x0D
	TagHBridge2        byte = 0x0E
	TagHourMeter       byte = 0x0F
	TagLeveler         byte = 0x10
	TagSessionStatus   byte = 0x1A
	TagRealTimeClock   byte = 0x1B
)

// Event sizes. Extended forms append diagnostics that are optional to decode.
const (
	gatewayInfoSize   = 5 // tag, version, options, device count, table
	relaySize         = 4 // tag, table, id, status
	relayExtendedSize = 7 // + fault, current 8.8
	rvStatusSize      = 5 // tag, voltage 8.8, temperature signed 8.8
	dimmerSize        = 5 // tag, table, id, mode, brightness
	hvacSize          = 10
	hvacExtendedSize  = 13 // + capabilities, dtc(2)
	tankSize          = 4
	hbridgeSize       = 4
)

// Pseudo table holding the gateway's own sensors.
const (
	GatewayTable        uint8 = 0xFF
	VoltageSensorID     uint8 = 0x01
	TemperatureSensorID uint8 = 0x02
)

const (
	voltageUnavailable     = 0xFFFF
	temperatureUnavailable = 0x7FFF
	indoorUnavailable      = 0x8000
)

func (p *Protocol) dispatch(s *session.Session, payload []byte) {
	if len(payload) == 0 {
		return
	}
	// a frame that survived the checksum is proof of life whatever it carries
	s.Touch()

	var err error
	switch tag := payload[0]; tag {
	case TagGatewayInfo:
		err = p.onGatewayInfo(s, payload)
	case TagCommandResponse:
		err = p.onCommandResponse(s, payload)
	case TagRelayLatching1, TagRelayLatching2:
		err = onRelay(s, payload)
	case TagRVStatus:
		err = onRVStatus(s, payload)
	case TagDimmableLight:
		err = onDimmer(s, payload)
	case TagHVAC:
		err = onHVAC(s, payload)
	case TagTank:
		err = onTank(s, payload)
	case TagHBridge1, TagHBridge2:
		err = onHBridge(s, payload)
	case TagDeviceOnline, TagDeviceLock, TagRGBLight, TagGenerator,
		TagHourMeter, TagLeveler, TagSessionStatus, TagRealTimeClock:
		// known but not modelled
	default:
		s.Logger().WithField("tag", fmt.Sprintf("0x%02x", tag)).Debug("Unknown event tag")
	}
	if err != nil {
		p.logFrame(s, payload, err)
	}
}

func needSize(payload []byte, size int) error {
	if len(payload) < size {
		return fmt.Errorf("%d bytes, want at least %d", len(payload), size)
	}
	return nil
}

func fixed88(b []byte) float64 {
	return float64(binary.BigEndian.Uint16(b)) / 256
}

func signed88(b []byte) float64 {
	return float64(int16(binary.BigEndian.Uint16(b))) / 256
}

func (p *Protocol) onGatewayInfo(s *session.Session, payload []byte) error {
	if err := needSize(payload, gatewayInfoSize); err != nil {
		return err
	}
	table := payload[4]
	p.gatewayTable.Store(int32(table))
	if p.metaScheduled.CompareAndSwap(false, true) {
		s.Logger().WithFields(logrus.Fields{
			"table":   table,
			"devices": payload[3],
		}).Debug("Gateway info received, scheduling metadata request")
		s.Schedule(MetadataDelay, "bus-metadata", func() { p.requestMetadata(s) })
	}
	return nil
}

func onRelay(s *session.Session, payload []byte) error {
	if err := needSize(payload, relaySize); err != nil {
		return err
	}
	sw := entity.Switch{
		Base: entity.Base{Table: payload[1], ID: payload[2]},
		On:   payload[3]&0x01 != 0,
	}
	if len(payload) >= relayExtendedSize {
		sw.Fault = payload[4] != 0
		sw.HasCurrent = true
		sw.Current = fixed88(payload[5:7])
	}
	s.PublishEntity(sw, nil)
	return nil
}

func onRVStatus(s *session.Session, payload []byte) error {
	if err := needSize(payload, rvStatusSize); err != nil {
		return err
	}
	if binary.BigEndian.Uint16(payload[1:3]) != voltageUnavailable {
		s.PublishEntity(entity.NumericSensor{
			Base:      entity.Base{Table: GatewayTable, ID: VoltageSensorID},
			Measure:   "voltage",
			Unit:      "V",
			Value:     fixed88(payload[1:3]),
			Precision: 2,
		}, nil)
	}
	if binary.BigEndian.Uint16(payload[3:5]) != temperatureUnavailable {
		s.PublishEntity(entity.NumericSensor{
			Base:      entity.Base{Table: GatewayTable, ID: TemperatureSensorID},
			Measure:   "temperature",
			Unit:      "°F",
			Value:     signed88(payload[3:5]),
			Precision: 1,
		}, nil)
	}
	return nil
}

func onDimmer(s *session.Session, payload []byte) error {
	if err := needSize(payload, dimmerSize); err != nil {
		return err
	}
	s.PublishEntity(entity.DimmableLight{
		Base:       entity.Base{Table: payload[1], ID: payload[2]},
		Mode:       payload[3],
		Brightness: payload[4],
	}, nil)
	return nil
}

func onTank(s *session.Session, payload []byte) error {
	if err := needSize(payload, tankSize); err != nil {
		return err
	}
	pct := payload[3]
	if pct > 100 {
		return fmt.Errorf("tank level %d out of range", pct)
	}
	s.PublishEntity(entity.Tank{Base: entity.Base{Table: payload[1], ID: payload[2]}, Percent: pct}, nil)
	return nil
}

func onHBridge(s *session.Session, payload []byte) error {
	if err := needSize(payload, hbridgeSize); err != nil {
		return err
	}
	var state string
	switch payload[3] & 0x0F {
	case 0:
		state = entity.CoverStopped
	case 1:
		state = entity.CoverOpening
	case 2:
		state = entity.CoverClosing
	default:
		return fmt.Errorf("h-bridge status 0x%02x", payload[3])
	}
	s.PublishEntity(entity.CoverSensor{Base: entity.Base{Table: payload[1], ID: payload[2]}, State: state}, nil)
	return nil
}

// HVAC command byte: bits 0-2 mode, bits 4-5 heat source, bits 6-7 fan.
var (
	hvacModes       = []string{entity.HVACModeOff, entity.HVACModeHeat, entity.HVACModeCool, entity.HVACModeAuto, entity.HVACModeFan}
	hvacHeatSources = []string{entity.HeatSourceGas, entity.HeatSourceHeatPump, entity.HeatSourceOther}
	hvacFans        = []string{entity.FanAuto, entity.FanHigh, entity.FanLow}
)

// Capability bits of the extended hvac form.
const (
	capGas      = 0x01
	capAC       = 0x02
	capHeatPump = 0x04
	capMultiFan = 0x08
)

func onHVAC(s *session.Session, payload []byte) error {
	if err := needSize(payload, hvacSize); err != nil {
		return err
	}
	cmd := payload[3]
	mode := int(cmd & 0x07)
	source := int(cmd>>4) & 0x03
	fan := int(cmd>>6) & 0x03
	if mode >= len(hvacModes) || source >= len(hvacHeatSources) || fan >= len(hvacFans) {
		return fmt.Errorf("hvac command byte 0x%02x", cmd)
	}

	zone := entity.HVACZone{
		Base:         entity.Base{Table: payload[1], ID: payload[2]},
		Mode:         hvacModes[mode],
		HeatSource:   hvacHeatSources[source],
		Fan:          hvacFans[fan],
		HeatSetpoint: int(payload[4]),
		CoolSetpoint: int(payload[5]),
	}
	if raw := binary.BigEndian.Uint16(payload[6:8]); raw != indoorUnavailable {
		zone.HasIndoor = true
		zone.Indoor = signed88(payload[6:8])
	}
	if len(payload) >= hvacExtendedSize {
		zone.Caps = capabilities(payload[10])
		if dtc := binary.BigEndian.Uint16(payload[11:13]); dtc != 0 {
			s.Logger().WithFields(logrus.Fields{
				"entity": zone.Key().String(),
				"dtc":    dtc,
			}).Warn("HVAC zone reports a diagnostic code")
		}
	}
	s.PublishEntity(zone, nil)
	return nil
}

func capabilities(bits byte) entity.HVACCaps {
	heat := bits&(capGas|capHeatPump) != 0
	cool := bits&capAC != 0

	caps := entity.HVACCaps{Known: true, Modes: []string{entity.HVACModeOff}}
	if heat {
		caps.Modes = append(caps.Modes, entity.HVACModeHeat)
	}
	if cool {
		caps.Modes = append(caps.Modes, entity.HVACModeCool)
	}
	if heat && cool {
		caps.Modes = append(caps.Modes, entity.HVACModeAuto)
	}
	caps.Modes = append(caps.Modes, entity.HVACModeFan)

	caps.Fans = []string{entity.FanAuto, entity.FanHigh}
	if bits&capMultiFan != 0 {
		caps.Fans = append(caps.Fans, entity.FanLow)
	}
	return caps
}
