package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/clock"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/groutine"
	"github.com/srg/rvlink/internal/sink"
)

// Backoff is the reconnect delay policy: Initial, doubling up to Max. A
// session that reached ready resets the delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns the delay following prev.
func (b Backoff) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Initial
	}
	next := prev * 2
	if next > b.Max {
		next = b.Max
	}
	return next
}

// Peripheral is one supervised peripheral.
type Peripheral struct {
	Identity       device.PeripheralIdentity
	NewProtocol    func() Protocol
	MTU            int
	ConnectTimeout time.Duration
}

// ManagerOptions holds what every session shares.
type ManagerOptions struct {
	Transport device.Transport
	Sink      sink.Sink
	Topics    sink.Topics
	Names     *entity.NameCache
	Clock     clock.Clock
	Logger    *logrus.Logger
	Watchdog  WatchdogOptions
	Backoff   Backoff
}

// Manager keeps one session per configured peripheral alive, reconnecting
// with backoff after every teardown.
type Manager struct {
	opts     ManagerOptions
	logger   *logrus.Logger
	sessions *hashmap.Map[string, *Session]
	wg       sync.WaitGroup
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = 5 * time.Second
	}
	if opts.Backoff.Max < opts.Backoff.Initial {
		opts.Backoff.Max = opts.Backoff.Initial
	}
	if opts.Names == nil {
		opts.Names, _ = entity.OpenNameCache("")
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		sessions: hashmap.New[string, *Session](),
	}
}

// Run supervises every peripheral until ctx is cancelled, then waits for all
// sessions to tear down.
func (m *Manager) Run(ctx context.Context, peripherals []Peripheral) {
	for _, p := range peripherals {
		m.wg.Add(1)
		groutine.Go(ctx, "supervisor-"+p.Identity.Slug(), func(ctx context.Context) {
			defer m.wg.Done()
			m.supervise(ctx, p)
		})
	}
	m.wg.Wait()
}

// Session returns the live session for id.
func (m *Manager) Session(id device.PeripheralIdentity) (*Session, bool) {
	return m.sessions.Get(id.String())
}

// Sessions returns every live session ordered by identity.
func (m *Manager) Sessions() []*Session {
	var out []*Session
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().String() < out[j].Identity().String()
	})
	return out
}

func (m *Manager) supervise(ctx context.Context, p Peripheral) {
	id := p.Identity
	logger := m.logger.WithFields(logrus.Fields{
		"address": id.Address,
		"family":  id.Family,
	})

	pattern := m.opts.Topics.CommandPattern(id)
	m.opts.Sink.SubscribeCommands(pattern, m.route(id))
	defer m.opts.Sink.Unsubscribe(pattern)

	var delay time.Duration
	for attempt := 1; ; attempt++ {
		reachedReady := make(chan struct{})
		var readyOnce sync.Once

		s := New(Options{
			Identity:       id,
			Transport:      m.opts.Transport,
			Protocol:       p.NewProtocol(),
			Sink:           m.opts.Sink,
			Topics:         m.opts.Topics,
			Names:          m.opts.Names,
			Clock:          m.opts.Clock,
			Logger:         m.logger,
			Watchdog:       m.opts.Watchdog,
			MTU:            p.MTU,
			ConnectTimeout: p.ConnectTimeout,
			OnReady:        func() { readyOnce.Do(func() { close(reachedReady) }) },
		})
		m.sessions.Set(id.String(), s)

		logger.WithField("attempt", attempt).Debug("Starting session")
		if err := s.Start(ctx); err == nil {
			<-s.Done()
		}
		m.sessions.Del(id.String())

		if ctx.Err() != nil {
			return
		}

		select {
		case <-reachedReady:
			delay = 0
		default:
		}
		delay = m.opts.Backoff.Next(delay)

		reason := s.Err()
		entry := logger.WithFields(logrus.Fields{
			"error": reason,
			"retry": delay.String(),
		})
		if errors.Is(reason, device.ErrAuthFailed) {
			entry.Error("Authentication failed, will retry")
		} else {
			entry.Info("Session ended, will reconnect")
		}

		if err := m.wait(ctx, delay); err != nil {
			return
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	wake := make(chan struct{})
	t := m.opts.Clock.AfterFunc(d, func() { close(wake) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	}
}

// route returns the command handler for one peripheral. It survives
// reconnects and always addresses the current session.
func (m *Manager) route(id device.PeripheralIdentity) sink.CommandHandler {
	return func(topic string, payload []byte) {
		logger := m.logger.WithFields(logrus.Fields{
			"address": id.Address,
			"topic":   topic,
		})
		addr, err := m.opts.Topics.ParseCommand(id, topic)
		if err != nil {
			logger.WithField("error", err).Warn("Ignoring malformed command topic")
			return
		}
		req, err := ParseControl(addr, payload)
		if err != nil {
			logger.WithField("error", err).Warn("Ignoring malformed command")
			return
		}
		if err := m.Control(id, req); err != nil {
			logger.WithField("error", err).Warn("Control request rejected")
		}
	}
}

// Control forwards a request to the peripheral's current session.
func (m *Manager) Control(id device.PeripheralIdentity, req ControlRequest) error {
	s, ok := m.sessions.Get(id.String())
	if !ok {
		return ErrSessionClosed
	}
	return s.Control(req)
}
