package bus

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
)

// Command types.
const (
	CmdGetDevicesMetadata byte = 0x02
	CmdSetSwitch          byte = 0x40
	CmdSetDimmer          byte = 0x43
	CmdSetHVAC            byte = 0x45
)

// Command response types.
const (
	respPartial  byte = 0x01
	respComplete byte = 0x81
	respFailed   byte = 0x82
)

const (
	commandResponseSize = 4 // tag, cmd id(2), response type
	metadataHeaderSize  = 7 // + table, start, count
	metadataEntryHead   = 2 // protocol, size
	metadataEntryMin    = 3 // function name(2), instance
)

// requestMetadata asks the gateway for function names of every device in its
// table. It runs at most once per session, whichever trigger fires first.
func (p *Protocol) requestMetadata(s *session.Session) {
	table, ok := p.metadataTable(s)
	if !ok {
		s.Logger().Debug("No device table known yet, metadata request deferred")
		return
	}
	if !p.metaRequested.CompareAndSwap(false, true) {
		return
	}

	id := p.nextCommandID()
	p.metaCmdID.Store(uint32(id))
	payload := []byte{byte(id >> 8), byte(id), CmdGetDevicesMetadata, table, 0x00, 0xFF}
	w := p.dataWrite(payload)
	if err := s.Write(s.Context(), w.UUID, w.Data, w.Ack); err != nil {
		s.Logger().WithField("error", err).Warn("Metadata request failed, keeping generic names")
		return
	}
	s.Logger().WithFields(logrus.Fields{
		"table":  table,
		"cmd_id": id,
	}).Debug("Metadata requested")
}

// metadataTable prefers the table announced in gateway info and falls back to
// the table of the first entity seen.
func (p *Protocol) metadataTable(s *session.Session) (uint8, bool) {
	if t := p.gatewayTable.Load(); t >= 0 {
		return uint8(t), true
	}
	for _, e := range s.Model().Snapshot() {
		if e.Key().Table != GatewayTable {
			return e.Key().Table, true
		}
	}
	return 0, false
}

func (p *Protocol) onCommandResponse(s *session.Session, payload []byte) error {
	if err := needSize(payload, commandResponseSize); err != nil {
		return err
	}
	id := binary.BigEndian.Uint16(payload[1:3])
	resp := payload[3]

	if meta := p.metaCmdID.Load(); meta != 0 && uint32(id) == meta {
		return p.onMetadata(s, payload, resp)
	}

	fields := logrus.Fields{"cmd_id": id, "response": fmt.Sprintf("0x%02x", resp)}
	if resp == respFailed {
		s.Logger().WithFields(fields).Warn("Gateway rejected command")
		return nil
	}
	s.Logger().WithFields(fields).Trace("Command acknowledged")
	return nil
}

// onMetadata parses
//
//	[0x02, cmd id(2), resp, table, start, count, entry...]
//	entry = [protocol, size, function name(2, little-endian), instance, extra(size-3)]
//
// The function name is the one little-endian field of the protocol. That order
// was observed on current gateway firmware, not documented; recheck it when a
// new firmware revision reports unknown function codes.
func (p *Protocol) onMetadata(s *session.Session, payload []byte, resp byte) error {
	if resp == respFailed {
		s.Logger().Warn("Gateway rejected metadata request")
		return nil
	}
	if resp != respPartial && resp != respComplete {
		return fmt.Errorf("metadata response type 0x%02x", resp)
	}
	if p.metaDone.Load() {
		return nil
	}
	if err := needSize(payload, metadataHeaderSize); err != nil {
		return err
	}
	table, start, count := payload[4], payload[5], int(payload[6])

	entries := payload[metadataHeaderSize:]
	resolved := 0
	for i := 0; i < count && len(entries) > 0; i++ {
		if len(entries) < metadataEntryHead {
			return fmt.Errorf("truncated metadata entry %d", i)
		}
		size := int(entries[1])
		if size < metadataEntryMin || len(entries) < metadataEntryHead+size {
			return fmt.Errorf("metadata entry %d has size %d", i, size)
		}
		body := entries[metadataEntryHead : metadataEntryHead+size]
		entries = entries[metadataEntryHead+size:]

		code := binary.LittleEndian.Uint16(body[0:2])
		name, ok := FunctionName(code, body[2])
		if !ok {
			s.Logger().WithField("function", code).Debug("Unknown function name code")
			continue
		}
		key := entity.Key{Table: table, ID: start + uint8(i)}
		s.RepublishName(key, name)
		resolved++
	}

	if resp == respComplete {
		p.metaDone.Store(true)
	}
	s.Logger().WithFields(logrus.Fields{
		"table":    table,
		"resolved": resolved,
		"complete": resp == respComplete,
	}).Debug("Metadata response processed")
	return nil
}
