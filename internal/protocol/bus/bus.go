// Package bus implements the binary peripheral family: byte-stuffed,
// checksummed frames on a notify characteristic, a two-stage cipher
// handshake and tag-dispatched status events.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/codec"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/session"
	"go.uber.org/atomic"
)

// Characteristic roles. Config.Characteristics overrides them by these names.
const (
	RoleStatus     = "status"
	RoleKey        = "key"
	RoleChallenge  = "challenge"
	RoleDataWrite  = "data_write"
	RoleDataNotify = "data_notify"
)

// ServiceUUID is the primary service gateways advertise.
const ServiceUUID = "00000010-0200-a58e-e411-afe28044e62c"

// DefaultCharacteristics maps each role to the UUID the gateway advertises.
var DefaultCharacteristics = map[string]string{
	RoleStatus:     "00000012-0200-a58e-e411-afe28044e62c",
	RoleKey:        "00000013-0200-a58e-e411-afe28044e62c",
	RoleChallenge:  "00000011-0200-a58e-e411-afe28044e62c",
	RoleDataWrite:  "00000033-0200-a58e-e411-afe28044e62c",
	RoleDataNotify: "00000034-0200-a58e-e411-afe28044e62c",
}

var roles = []string{RoleStatus, RoleKey, RoleChallenge, RoleDataWrite, RoleDataNotify}

const (
	DefaultUnlockConstant  uint32 = 0x2483FFD5
	DefaultSessionConstant uint32 = 0x8100080D

	// UnlockedText is what the status characteristic reads after a good unlock key.
	UnlockedText = "Unlocked"

	// CommandWindow is how long an issued command masks disagreeing status frames.
	CommandWindow = 12 * time.Second

	MetadataDelay    = 500 * time.Millisecond
	MetadataFallback = 1500 * time.Millisecond
)

// Config carries the per-peripheral secrets and overrides.
type Config struct {
	PIN             string
	UnlockConstant  uint32
	SessionConstant uint32
	Characteristics map[string]string
}

// Protocol is one bus session. It is not reused across connections.
type Protocol struct {
	cfg   Config
	chars map[string]string

	// decoder is only touched from the stream consumer
	decoder *codec.FrameDecoder

	cmdID         *atomic.Uint32
	keyed         *atomic.Bool
	metaScheduled *atomic.Bool
	metaRequested *atomic.Bool
	metaCmdID     *atomic.Uint32
	metaDone      *atomic.Bool
	gatewayTable  *atomic.Int32
}

var _ session.Protocol = (*Protocol)(nil)

// New creates a protocol instance; zero constants select the defaults.
func New(cfg Config) *Protocol {
	if cfg.UnlockConstant == 0 {
		cfg.UnlockConstant = DefaultUnlockConstant
	}
	if cfg.SessionConstant == 0 {
		cfg.SessionConstant = DefaultSessionConstant
	}
	chars := make(map[string]string, len(DefaultCharacteristics))
	for role, uuid := range DefaultCharacteristics {
		chars[role] = device.NormalizeUUID(uuid)
	}
	for role, uuid := range cfg.Characteristics {
		if uuid != "" {
			chars[role] = device.NormalizeUUID(uuid)
		}
	}
	return &Protocol{
		cfg:           cfg,
		chars:         chars,
		decoder:       codec.NewFrameDecoder(),
		cmdID:         atomic.NewUint32(0),
		keyed:         atomic.NewBool(false),
		metaScheduled: atomic.NewBool(false),
		metaRequested: atomic.NewBool(false),
		metaCmdID:     atomic.NewUint32(0),
		metaDone:      atomic.NewBool(false),
		gatewayTable:  atomic.NewInt32(-1),
	}
}

func (p *Protocol) Family() device.Family { return device.FamilyBus }

// Resolve requires every role to be present somewhere in the profile.
func (p *Protocol) Resolve(services map[string][]string) error {
	present := make(map[string]bool)
	for _, chars := range services {
		for _, c := range chars {
			present[device.NormalizeUUID(c)] = true
		}
	}
	for _, role := range roles {
		uuid := p.chars[role]
		if !present[uuid] {
			return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
		}
	}
	return nil
}

func (p *Protocol) Subscriptions() []session.Subscription {
	return []session.Subscription{
		{UUID: p.chars[RoleDataNotify], Stream: true},
		{UUID: p.chars[RoleChallenge]},
	}
}

// Subscribed never enters ready: the session key exchange is triggered by the
// challenge notification that follows the subscription.
func (p *Protocol) Subscribed(context.Context, *session.Session) (bool, error) {
	return false, nil
}

func (p *Protocol) OnReady(s *session.Session) {
	s.Schedule(MetadataFallback, "bus-metadata-fallback", func() { p.requestMetadata(s) })
}

func (p *Protocol) HandleStream(s *session.Session, data []byte) {
	p.decoder.Feed(data,
		func(payload []byte) { p.dispatch(s, payload) },
		func(err error) {
			s.Logger().WithField("error", err).Debug("Dropping corrupt frame")
		})
}

func (p *Protocol) HandleNotification(s *session.Session, charUUID string, data []byte) {
	if device.NormalizeUUID(charUUID) != p.chars[RoleChallenge] {
		s.Logger().WithField("char_uuid", device.ShortenUUID(charUUID)).Debug("Ignoring notification")
		return
	}
	s.Touch()
	p.onChallenge(s, data)
}

// nextCommandID returns a non-zero 16-bit command id.
func (p *Protocol) nextCommandID() uint16 {
	for {
		id := uint16(p.cmdID.Inc())
		if id != 0 {
			return id
		}
	}
}

func (p *Protocol) dataWrite(payload []byte) session.Write {
	return session.Write{UUID: p.chars[RoleDataWrite], Data: codec.EncodeFrame(payload), Ack: true}
}

func (p *Protocol) logFrame(s *session.Session, payload []byte, err error) {
	s.Logger().WithFields(logrus.Fields{
		"tag":   fmt.Sprintf("0x%02x", payload[0]),
		"size":  len(payload),
		"error": err,
	}).Debug("Dropping malformed event")
}
