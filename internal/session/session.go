package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/clock"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/groutine"
	"github.com/srg/rvlink/internal/sink"
	"go.uber.org/atomic"
)

// DefaultMTU is the ATT MTU assumed until negotiation succeeds.
const DefaultMTU = 23

// Options configures one session.
type Options struct {
	Identity  device.PeripheralIdentity
	Transport device.Transport
	Protocol  Protocol
	Sink      sink.Sink
	Topics    sink.Topics
	Names     *entity.NameCache
	Clock     clock.Clock
	Logger    *logrus.Logger

	Watchdog       WatchdogOptions
	MTU            int
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	StreamCapacity int
	QueueCapacity  uint32

	// OnReady fires once when the session reaches the ready phase.
	OnReady func()
	// OnDisconnect fires exactly once with the teardown reason.
	OnDisconnect func(reason error)
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Watchdog == (WatchdogOptions{}) {
		o.Watchdog = DefaultWatchdogOptions()
	}
	if o.MTU <= 0 {
		o.MTU = 185
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 30 * time.Second
	}
	if o.Names == nil {
		o.Names, _ = entity.OpenNameCache("")
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = 32
	}
}

// Session is one connection to one peripheral. It is never reused: a
// reconnect creates a new Session.
type Session struct {
	opts   Options
	id     device.PeripheralIdentity
	proto  Protocol
	sink   sink.Sink
	topics sink.Topics
	names  *entity.NameCache
	clock  clock.Clock
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	phase *phaseMachine

	linkMu sync.RWMutex
	link   device.Link

	mtu          *atomic.Int32
	startedAt    *atomic.Time
	lastActivity *atomic.Time

	discovered    *atomic.Bool
	mtuSettled    *atomic.Bool
	authStarted   *atomic.Bool
	authenticated *atomic.Bool
	ready         *atomic.Bool
	closed        *atomic.Bool
	reason        *atomic.Error

	notifyMu      sync.Mutex
	notifyEnabled bool

	// pubMu orders publications against teardown's model reset.
	pubMu     sync.Mutex
	model     *entity.Model
	published *entity.DiscoverySet
	builders  map[builderKey]sink.DiscoveryBuilder

	pending   *entity.PendingGuard
	sched     *Scheduler
	watchdog  *Watchdog
	stream    *Stream
	queue     *commandQueue
	authTimer *atomic.Uint64

	teardownOnce sync.Once
	done         chan struct{}
}

type builderKey struct {
	kind entity.Kind
	key  entity.Key
}

// New creates a session in the disconnected phase. Nothing runs until Start.
func New(opts Options) *Session {
	opts.applyDefaults()
	logger := opts.Logger.WithFields(logrus.Fields{
		"address": opts.Identity.Address,
		"family":  opts.Identity.Family,
	})

	s := &Session{
		opts:          opts,
		id:            opts.Identity,
		proto:         opts.Protocol,
		sink:          opts.Sink,
		topics:        opts.Topics,
		names:         opts.Names,
		clock:         opts.Clock,
		logger:        logger,
		phase:         newPhaseMachine(logger),
		mtu:           atomic.NewInt32(DefaultMTU),
		startedAt:     atomic.NewTime(time.Time{}),
		lastActivity:  atomic.NewTime(time.Time{}),
		discovered:    atomic.NewBool(false),
		mtuSettled:    atomic.NewBool(false),
		authStarted:   atomic.NewBool(false),
		authenticated: atomic.NewBool(false),
		ready:         atomic.NewBool(false),
		closed:        atomic.NewBool(false),
		reason:        atomic.NewError(nil),
		model:         entity.NewModel(),
		published:     entity.NewDiscoverySet(),
		builders:      make(map[builderKey]sink.DiscoveryBuilder),
		pending:       entity.NewPendingGuard(opts.Clock.Now),
		sched:         NewScheduler(opts.Clock, logger),
		stream:        NewStream(opts.StreamCapacity, logger),
		authTimer:     atomic.NewUint64(0),
		done:          make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = newCommandQueue(s, opts.QueueCapacity)
	s.watchdog = NewWatchdog(opts.Watchdog, opts.Clock, s.liveness, func(d Detection) {
		s.logger.WithField("detection", d.String()).Warn("Watchdog detected unhealthy session")
		s.Teardown(d.Err())
	})
	return s
}

// Start connects and launches discovery and MTU negotiation. It returns once
// the link is up; the rest of the handshake proceeds asynchronously. A failed
// connect tears the session down and is returned.
func (s *Session) Start(parent context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.phase.fire(eventConnect); err != nil {
		return fmt.Errorf("session already started: %w", err)
	}
	now := s.clock.Now()
	s.startedAt.Store(now)
	s.watchdog.Start()

	// parent cancellation (shutdown) tears the session down
	groutine.Go(s.ctx, "session-parent-watch", func(ctx context.Context) {
		select {
		case <-parent.Done():
			s.Teardown(ErrShutdown)
		case <-ctx.Done():
		}
	})

	connectCtx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	defer cancel()
	link, err := s.opts.Transport.Connect(connectCtx, s.id)
	if err != nil {
		err = fmt.Errorf("connect: %w", err)
		s.Teardown(err)
		return err
	}

	s.linkMu.Lock()
	s.link = link
	s.linkMu.Unlock()
	if s.closed.Load() {
		// lost the race with teardown: it saw no link
		_ = link.Close()
		return s.Err()
	}

	if err := s.phase.fire(eventDiscover); err != nil {
		return s.Err()
	}
	s.logger.Info("Connected, discovering services")

	groutine.Go(s.ctx, "session-link-watch", func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			s.Teardown(ErrLinkLost)
		case <-ctx.Done():
		}
	})
	s.queue.start()

	groutine.GoSafe(s.ctx, "session-discover", s.opts.Logger, s.discover, s.Fail)
	groutine.GoSafe(s.ctx, "session-mtu", s.opts.Logger, s.negotiateMTU, s.Fail)
	return nil
}

func (s *Session) discover(ctx context.Context) {
	services, err := s.currentLink().DiscoverServices(ctx)
	if err != nil {
		s.Teardown(fmt.Errorf("service discovery: %w", err))
		return
	}
	if err := s.proto.Resolve(services); err != nil {
		s.Teardown(fmt.Errorf("resolve characteristics: %w", err))
		return
	}
	s.discovered.Store(true)
	s.maybeStartAuth()
}

// negotiateMTU never fails the session: a peripheral that rejects the
// exchange keeps the default unit size.
func (s *Session) negotiateMTU(ctx context.Context) {
	mtu, err := s.currentLink().ExchangeMTU(ctx, s.opts.MTU)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.WithField("error", err).Warn("MTU exchange failed, keeping default")
	} else {
		s.mtu.Store(int32(mtu))
		s.logger.WithField("mtu", mtu).Debug("MTU negotiated")
	}
	s.mtuSettled.Store(true)
	s.maybeStartAuth()
}

// maybeStartAuth is called from both the discovery and the MTU path. Whichever
// completes second starts authentication; the CAS makes it exactly once.
func (s *Session) maybeStartAuth() {
	if !s.discovered.Load() || !s.mtuSettled.Load() {
		return
	}
	if !s.authStarted.CompareAndSwap(false, true) {
		return
	}
	if s.closed.Load() {
		return
	}
	if err := s.phase.fire(eventAuthenticate); err != nil {
		return
	}
	s.authTimer.Store(uint64(s.sched.Schedule(s.opts.AuthTimeout, "auth-timeout", func() {
		s.Teardown(ErrAuthTimeout)
	})))
	groutine.GoSafe(s.ctx, "session-auth", s.opts.Logger, s.authenticate, s.Fail)
}

func (s *Session) authenticate(ctx context.Context) {
	if err := s.proto.Authenticate(ctx, s); err != nil {
		s.Teardown(err)
		return
	}
	if s.closed.Load() {
		return
	}
	if err := s.phase.fire(eventSubscribe); err != nil {
		return
	}
	if err := s.EnableNotifications(ctx); err != nil {
		s.Teardown(err)
		return
	}
	readyNow, err := s.proto.Subscribed(ctx, s)
	if err != nil {
		s.Teardown(err)
		return
	}
	if readyNow {
		s.MarkReady()
	}
}

// EnableNotifications subscribes to every characteristic the protocol lists.
// It is idempotent so a family that needs notifications during its handshake
// can enable them early.
func (s *Session) EnableNotifications(ctx context.Context) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notifyEnabled {
		return nil
	}

	subs := s.proto.Subscriptions()
	streaming := false
	for _, sub := range subs {
		if sub.Stream {
			streaming = true
		}
	}
	if streaming {
		s.stream.Start(s.ctx, "session-stream", s.consumeStream, s.Fail)
	}

	link := s.currentLink()
	if link == nil {
		return ErrSessionClosed
	}
	for _, sub := range subs {
		handler := s.notificationHandler(sub)
		if err := link.SetNotification(ctx, sub.UUID, true, handler); err != nil {
			return fmt.Errorf("enable notifications on %s: %w", device.ShortenUUID(sub.UUID), err)
		}
		s.logger.WithField("char_uuid", device.ShortenUUID(sub.UUID)).Debug("Notifications enabled")
	}
	s.notifyEnabled = true
	return nil
}

func (s *Session) notificationHandler(sub Subscription) device.NotificationHandler {
	if sub.Stream {
		return func(_ string, data []byte) {
			if s.closed.Load() {
				return
			}
			s.stream.Push(data)
		}
	}
	return func(charUUID string, data []byte) {
		if s.closed.Load() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.Fail(fmt.Errorf("notification handler panic: %v", r))
			}
		}()
		s.proto.HandleNotification(s, charUUID, data)
	}
}

func (s *Session) consumeStream(data []byte) {
	if s.closed.Load() {
		return
	}
	s.proto.HandleStream(s, data)
}

// MarkReady enters the ready phase. Families with a post-subscribe handshake
// call it when that handshake completes.
func (s *Session) MarkReady() {
	if s.closed.Load() || !s.ready.CompareAndSwap(false, true) {
		return
	}
	if err := s.phase.fire(eventReady); err != nil {
		s.logger.WithField("error", err).Debug("Ready transition rejected")
		return
	}
	s.sched.Cancel(Token(s.authTimer.Load()))
	s.authenticated.Store(true)
	s.Touch()

	s.sink.PublishAvailability(s.topics.Availability(s.id), true)
	s.logger.WithField("mtu", s.MTU()).Info("Session ready")

	s.proto.OnReady(s)
	if s.opts.OnReady != nil {
		s.opts.OnReady()
	}
}

// Fail tears the session down with err.
func (s *Session) Fail(err error) {
	s.Teardown(err)
}

// Teardown ends the session. It is safe to call concurrently and repeatedly;
// only the first call has any effect. OnDisconnect must not call back into
// Teardown.
func (s *Session) Teardown(reason error) {
	s.teardownOnce.Do(func() {
		if reason == nil {
			reason = ErrShutdown
		}
		s.closed.Store(true)
		s.reason.Store(reason)

		s.cancel()
		s.sched.CancelAll()
		s.pending.Clear()
		s.queue.close()
		s.watchdog.Stop()
		_ = s.phase.fire(eventTeardown)

		s.linkMu.Lock()
		link := s.link
		s.linkMu.Unlock()
		if link != nil {
			if err := link.Close(); err != nil {
				s.logger.WithField("error", err).Debug("Link close failed")
			}
		}
		s.stream.Reset()

		s.pubMu.Lock()
		s.model.Clear()
		s.published.Clear()
		s.builders = make(map[builderKey]sink.DiscoveryBuilder)
		s.pubMu.Unlock()

		s.sink.PublishAvailability(s.topics.Availability(s.id), false)
		close(s.done)

		fields := logrus.Fields{"error": reason}
		switch {
		case errors.Is(reason, device.ErrAuthFailed):
			s.logger.WithFields(fields).Error("Session torn down: authentication failed")
		case errors.Is(reason, ErrShutdown):
			s.logger.WithFields(fields).Info("Session closed")
		default:
			s.logger.WithFields(fields).Warn("Session torn down")
		}

		if s.opts.OnDisconnect != nil {
			s.opts.OnDisconnect(reason)
		}
	})
}

// Touch refreshes the liveness timestamp. Protocols call it for every
// accepted inbound message.
func (s *Session) Touch() {
	s.lastActivity.Store(s.clock.Now())
}

func (s *Session) liveness() Liveness {
	return Liveness{
		Authenticated: s.authenticated.Load(),
		StartedAt:     s.startedAt.Load(),
		LastActivity:  s.lastActivity.Load(),
	}
}

// noteOperation counts a successful outbound exchange as progress while the
// handshake is running. After authentication only inbound messages count,
// otherwise a steady poll would hide a silent peripheral.
func (s *Session) noteOperation() {
	if !s.authenticated.Load() {
		s.Touch()
	}
}

func (s *Session) currentLink() device.Link {
	s.linkMu.RLock()
	defer s.linkMu.RUnlock()
	return s.link
}

// Write writes one characteristic. It does not retry.
func (s *Session) Write(ctx context.Context, charUUID string, data []byte, ack bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	link := s.currentLink()
	if link == nil {
		return ErrSessionClosed
	}
	if err := link.WriteCharacteristic(ctx, charUUID, data, ack); err != nil {
		return err
	}
	s.noteOperation()
	return nil
}

// attHeader is the ATT write-request overhead inside one MTU.
const attHeader = 3

// ChunkWrites splits data into writes that each fit the negotiated MTU.
// A nil session chunks at the default MTU.
func (s *Session) ChunkWrites(charUUID string, data []byte, ack bool) []Write {
	size := DefaultMTU - attHeader
	if s != nil && s.MTU() > attHeader {
		size = s.MTU() - attHeader
	}
	writes := make([]Write, 0, len(data)/size+1)
	for len(data) > size {
		writes = append(writes, Write{UUID: charUUID, Data: data[:size:size], Ack: ack})
		data = data[size:]
	}
	return append(writes, Write{UUID: charUUID, Data: data, Ack: ack})
}

// WriteAll writes every chunk in order, stopping at the first failure.
func (s *Session) WriteAll(ctx context.Context, writes []Write) error {
	for _, w := range writes {
		if err := s.Write(ctx, w.UUID, w.Data, w.Ack); err != nil {
			return err
		}
	}
	return nil
}

// Read reads one characteristic.
func (s *Session) Read(ctx context.Context, charUUID string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	link := s.currentLink()
	if link == nil {
		return nil, ErrSessionClosed
	}
	data, err := link.ReadCharacteristic(ctx, charUUID)
	if err != nil {
		return nil, err
	}
	s.noteOperation()
	return data, nil
}

// Schedule runs fn after d unless the session is torn down first.
func (s *Session) Schedule(d time.Duration, name string, fn func()) Token {
	return s.sched.Schedule(d, name, fn)
}

// Every runs fn each period until cancelled or torn down.
func (s *Session) Every(period time.Duration, name string, fn func()) Token {
	return s.sched.Every(period, name, fn)
}

func (s *Session) Cancel(tok Token) { s.sched.Cancel(tok) }

func (s *Session) Identity() device.PeripheralIdentity { return s.id }
func (s *Session) Logger() *logrus.Entry               { return s.logger }
func (s *Session) Context() context.Context            { return s.ctx }
func (s *Session) Phase() Phase                        { return s.phase.current() }
func (s *Session) MTU() int                            { return int(s.mtu.Load()) }
func (s *Session) Model() *entity.Model                { return s.model }
func (s *Session) Pending() *entity.PendingGuard       { return s.pending }
func (s *Session) Ready() bool                         { return s.ready.Load() && !s.closed.Load() }
func (s *Session) Closed() bool                        { return s.closed.Load() }
func (s *Session) LastActivity() time.Time             { return s.lastActivity.Load() }

// Done is closed when teardown completes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the teardown reason, or nil while the session is live.
func (s *Session) Err() error { return s.reason.Load() }
