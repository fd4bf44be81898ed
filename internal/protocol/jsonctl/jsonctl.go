// Package jsonctl implements the structured-text family: climate controllers
// speaking brace-delimited JSON over a UART-style characteristic pair, with a
// password handshake and polled zone status.
package jsonctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/codec"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
)

// Characteristic roles.
const (
	RoleWrite  = "write"
	RoleNotify = "notify"
)

// ServiceUUID is the UART-style service thermostats advertise.
const ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

var DefaultCharacteristics = map[string]string{
	RoleWrite:  "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
	RoleNotify: "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
}

const (
	DefaultPollInterval = 4 * time.Second

	// ChangeWindow covers two poll cycles so a poll answered before the
	// controller applied a change cannot revert it.
	ChangeWindow = 8 * time.Second
	VerifyAfter  = 4 * time.Second

	EchoTimeout = 10 * time.Second
)

// ZoneTable is the table every zone entity lives in; the zone number is the id.
const ZoneTable uint8 = 1

// Message types.
const (
	typePassword = "password"
	typeStatus   = "status"
	typeConfig   = "config"
	typeChange   = "change"
)

type Config struct {
	Password        string
	Zones           []int
	PollInterval    time.Duration
	Characteristics map[string]string
}

// Protocol is one jsonctl session.
type Protocol struct {
	cfg   Config
	chars map[string]string

	// splitter is only touched from the stream consumer
	splitter codec.MessageSplitter

	echo chan codec.Message

	mu   sync.Mutex
	caps map[int]entity.HVACCaps
}

var _ session.Protocol = (*Protocol)(nil)

func New(cfg Config) *Protocol {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if len(cfg.Zones) == 0 {
		cfg.Zones = []int{1}
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
		cfg:   cfg,
		chars: chars,
		echo:  make(chan codec.Message, 1),
		caps:  make(map[int]entity.HVACCaps),
	}
}

func (p *Protocol) Family() device.Family { return device.FamilyJSONCtl }

func (p *Protocol) Resolve(services map[string][]string) error {
	present := make(map[string]bool)
	for _, chars := range services {
		for _, c := range chars {
			present[device.NormalizeUUID(c)] = true
		}
	}
	for _, role := range []string{RoleWrite, RoleNotify} {
		if !present[p.chars[role]] {
			return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{p.chars[role]}}
		}
	}
	return nil
}

func (p *Protocol) Subscriptions() []session.Subscription {
	return []session.Subscription{{UUID: p.chars[RoleNotify], Stream: true}}
}

// Authenticate needs notifications before the password goes out, since the
// controller answers on the notify characteristic.
func (p *Protocol) Authenticate(ctx context.Context, s *session.Session) error {
	if err := s.EnableNotifications(ctx); err != nil {
		return err
	}
	select {
	case <-p.echo:
	default:
	}

	if err := p.send(ctx, s, codec.Message{"type": typePassword, "password": p.cfg.Password}); err != nil {
		return fmt.Errorf("send password: %w", err)
	}

	expired := make(chan struct{})
	tok := s.Schedule(EchoTimeout, "jsonctl-password-echo", func() { close(expired) })
	defer s.Cancel(tok)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return fmt.Errorf("%w: no password echo after %s", device.ErrTimeout, EchoTimeout)
	case msg := <-p.echo:
		if got, _ := msg.Text("password"); got != p.cfg.Password {
			return &device.AuthError{Stage: "password", Err: fmt.Errorf("echo does not match")}
		}
	}
	s.Logger().Debug("Password accepted")
	return nil
}

func (p *Protocol) Subscribed(context.Context, *session.Session) (bool, error) {
	return true, nil
}

// OnReady asks each zone for its capabilities once, then polls status.
func (p *Protocol) OnReady(s *session.Session) {
	for _, zone := range p.cfg.Zones {
		p.request(s, typeConfig, zone)
		p.request(s, typeStatus, zone)
	}
	s.Every(p.cfg.PollInterval, "jsonctl-poll", func() {
		for _, zone := range p.cfg.Zones {
			p.request(s, typeStatus, zone)
		}
	})
}

func (p *Protocol) request(s *session.Session, kind string, zone int) {
	err := p.send(s.Context(), s, codec.Message{"type": kind, "zone": int64(zone)})
	if err == nil || s.Closed() {
		return
	}
	s.Fail(fmt.Errorf("%s request for zone %d: %w", kind, zone, err))
}

func (p *Protocol) send(ctx context.Context, s *session.Session, msg codec.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.WriteAll(ctx, s.ChunkWrites(p.chars[RoleWrite], data, true))
}

func (p *Protocol) HandleStream(s *session.Session, data []byte) {
	for _, raw := range p.splitter.Feed(data) {
		msg, err := codec.ParseMessage(raw)
		if err != nil {
			s.Logger().WithField("error", err).Debug("Dropping malformed message")
			continue
		}
		p.dispatch(s, msg)
	}
}

// HandleNotification is unused: the only subscription is a stream.
func (p *Protocol) HandleNotification(*session.Session, string, []byte) {}

func (p *Protocol) dispatch(s *session.Session, msg codec.Message) {
	var err error
	switch t := msg.Type(); t {
	case typePassword:
		select {
		case p.echo <- msg:
		default:
		}
	case typeStatus:
		err = p.onStatus(s, msg)
	case typeConfig:
		err = p.onConfig(s, msg)
	case typeChange:
		p.onChangeAck(s, msg)
	default:
		s.Logger().WithField("type", t).Debug("Unknown message type")
	}
	if err != nil {
		s.Logger().WithFields(logrus.Fields{
			"type":  msg.Type(),
			"error": err,
		}).Debug("Dropping invalid message")
		return
	}
	s.Touch()
}

func (p *Protocol) zoneCaps(zone int) entity.HVACCaps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps[zone]
}
