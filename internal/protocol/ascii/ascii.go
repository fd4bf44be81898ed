// Package ascii implements the delimited-ASCII family: battery monitors that
// answer a poll command with one comma-separated sample line. There is no
// authentication; the session is ready as soon as notifications are on.
package ascii

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/codec"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/session"
)

const ServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"

// RoleData is the single characteristic used for both polls and samples.
const RoleData = "data"

var DefaultCharacteristics = map[string]string{
	RoleData: "0000ffe1-0000-1000-8000-00805f9b34fb",
}

const (
	DefaultPollInterval = 5 * time.Second

	PollCommand = "RD\r"
	Terminator  = "\r\n"
	Delimiter   = ","
)

// SensorTable holds every measurement; ids follow sample field order.
const SensorTable uint8 = 1

// measurement maps one sample field to a published sensor.
type measurement struct {
	field     codec.FieldSpec
	measure   string
	unit      string
	scale     float64
	precision int
}

var measurements = []measurement{
	{codec.FieldSpec{Name: "volts"}, "voltage", "V", 0.01, 2},
	{codec.FieldSpec{Name: "current", Signed: true}, "current", "A", 0.01, 2},
	{codec.FieldSpec{Name: "soc"}, "soc", "%", 1, 0},
	{codec.FieldSpec{Name: "remaining"}, "capacity_remaining", "Ah", 0.1, 1},
	{codec.FieldSpec{Name: "temperature", Signed: true}, "temperature", "°C", 1, 0},
	{codec.FieldSpec{Name: "cycles"}, "cycles", "", 1, 0},
	{codec.FieldSpec{Name: "minutes"}, "minutes_remaining", "min", 1, 0},
	{codec.FieldSpec{Name: "alarm"}, "alarm", "", 1, 0},
}

var specs = func() []codec.FieldSpec {
	out := make([]codec.FieldSpec, len(measurements))
	for i, m := range measurements {
		out[i] = m.field
	}
	return out
}()

type Config struct {
	PollInterval    time.Duration
	Characteristics map[string]string
}

// Protocol is one ascii session.
type Protocol struct {
	cfg  Config
	data string

	// only touched from the stream consumer
	lines *codec.LineSplitter
}

var _ session.Protocol = (*Protocol)(nil)

func New(cfg Config) *Protocol {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	data := DefaultCharacteristics[RoleData]
	if uuid := cfg.Characteristics[RoleData]; uuid != "" {
		data = uuid
	}
	return &Protocol{
		cfg:   cfg,
		data:  device.NormalizeUUID(data),
		lines: codec.NewLineSplitter(Terminator),
	}
}

func (p *Protocol) Family() device.Family { return device.FamilyASCII }

func (p *Protocol) Resolve(services map[string][]string) error {
	for _, chars := range services {
		for _, c := range chars {
			if device.NormalizeUUID(c) == p.data {
				return nil
			}
		}
	}
	return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{p.data}}
}

func (p *Protocol) Subscriptions() []session.Subscription {
	return []session.Subscription{{UUID: p.data, Stream: true}}
}

func (p *Protocol) Authenticate(context.Context, *session.Session) error { return nil }

func (p *Protocol) Subscribed(context.Context, *session.Session) (bool, error) {
	return true, nil
}

// OnReady polls once right away, then every interval.
func (p *Protocol) OnReady(s *session.Session) {
	p.poll(s)
	s.Every(p.cfg.PollInterval, "ascii-poll", func() { p.poll(s) })
}

func (p *Protocol) poll(s *session.Session) {
	err := s.Write(s.Context(), p.data, []byte(PollCommand), false)
	if err == nil || s.Closed() {
		return
	}
	s.Fail(fmt.Errorf("poll: %w", err))
}

func (p *Protocol) HandleStream(s *session.Session, data []byte) {
	for _, line := range p.lines.Feed(data) {
		values, err := codec.ParseFields(line, Delimiter, specs)
		if err != nil {
			s.Logger().WithFields(logrus.Fields{
				"line":  line,
				"error": err,
			}).Debug("Dropping sample")
			continue
		}
		s.Touch()
		for i, m := range measurements {
			s.PublishEntity(entity.NumericSensor{
				Base:      entity.Base{Table: SensorTable, ID: uint8(i + 1)},
				Measure:   m.measure,
				Unit:      m.unit,
				Value:     float64(values[i]) * m.scale,
				Precision: m.precision,
			}, nil)
		}
	}
}

func (p *Protocol) HandleNotification(*session.Session, string, []byte) {}

// Control always fails: every ascii entity is a read-only measurement.
func (p *Protocol) Control(_ *session.Session, _ entity.Entity, req session.ControlRequest) (*session.CommandPlan, error) {
	return nil, fmt.Errorf("%w: %s", session.ErrReadOnly, req.Key)
}
