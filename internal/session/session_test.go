package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/rvlink/internal/clock"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/sink"
	"github.com/srg/rvlink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	testService = "ffe0"
	testChar    = "ffe1"
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// fakeProtocol decodes 4-byte dimmer records [table, id, mode, brightness]
// from the stream and turns light requests into one write.
type fakeProtocol struct {
	mu          sync.Mutex
	subs        []Subscription
	readyNow    bool
	authErr     error
	authBlock   bool
	authCalls   int
	readyCalls  int
	records     int
	controlPlan func(current entity.Entity, req ControlRequest) (*CommandPlan, error)
	pendingTail []byte
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{
		subs:     []Subscription{{UUID: testChar, Stream: true}},
		readyNow: true,
	}
}

func (p *fakeProtocol) Family() device.Family                       { return device.FamilyASCII }
func (p *fakeProtocol) Resolve(map[string][]string) error           { return nil }
func (p *fakeProtocol) Subscriptions() []Subscription               { return p.subs }
func (p *fakeProtocol) HandleNotification(*Session, string, []byte) {}

func (p *fakeProtocol) Authenticate(ctx context.Context, _ *Session) error {
	p.mu.Lock()
	p.authCalls++
	block, err := p.authBlock, p.authErr
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *fakeProtocol) Subscribed(context.Context, *Session) (bool, error) {
	return p.readyNow, nil
}

func (p *fakeProtocol) OnReady(*Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyCalls++
}

func (p *fakeProtocol) HandleStream(s *Session, data []byte) {
	p.mu.Lock()
	buf := append(p.pendingTail, data...)
	var complete [][]byte
	for len(buf) >= 4 {
		complete = append(complete, buf[:4])
		buf = buf[4:]
	}
	p.pendingTail = append([]byte(nil), buf...)
	p.mu.Unlock()

	for _, rec := range complete {
		s.Touch()
		s.PublishEntity(entity.DimmableLight{
			Base:       entity.Base{Table: rec[0], ID: rec[1]},
			Mode:       rec[2],
			Brightness: rec[3],
		}, nil)
		p.mu.Lock()
		p.records++
		p.mu.Unlock()
	}
}

func (p *fakeProtocol) Control(_ *Session, current entity.Entity, req ControlRequest) (*CommandPlan, error) {
	if p.controlPlan == nil {
		return nil, ErrInvalidCommand
	}
	return p.controlPlan(current, req)
}

func (p *fakeProtocol) counts() (auth, ready, records int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authCalls, p.readyCalls, p.records
}

func lightPlan(_ entity.Entity, req ControlRequest) (*CommandPlan, error) {
	b, _, err := req.Int("brightness")
	if err != nil {
		return nil, err
	}
	light := entity.DimmableLight{Base: entity.Base{Table: req.Key.Table, ID: req.Key.ID}, Mode: entity.LightModeOn, Brightness: uint8(b)}
	return &CommandPlan{
		Optimistic: light,
		Target:     light.Fields(),
		Window:     12 * time.Second,
		Writes:     []Write{{UUID: testChar, Data: []byte{req.Key.Table, req.Key.ID, uint8(b)}, Ack: true}},
		Retry:      DefaultRetryPolicy(),
	}, nil
}

type SessionTestSuite struct {
	suite.Suite

	clock  *clock.Manual
	link   *testutils.MockLink
	sink   *testutils.RecordingSink
	proto  *fakeProtocol
	id     device.PeripheralIdentity
	topics sink.Topics

	mu       sync.Mutex
	reasons  []error
	sessions []*Session
}

func (s *SessionTestSuite) SetupTest() {
	s.clock = clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.link = testutils.NewMockLink()
	s.sink = testutils.NewRecordingSink()
	s.proto = newFakeProtocol()
	id, err := device.NewIdentity("aa:bb:cc:dd:ee:01", device.FamilyASCII)
	s.Require().NoError(err)
	s.id = id
	s.topics = sink.Topics{Namespace: "rvlink", DiscoveryPrefix: "homeassistant"}

	s.mu.Lock()
	s.reasons = nil
	s.sessions = nil
	s.mu.Unlock()
}

// TearDownTest stops every session the test created so no read loop, write
// worker or timer outlives it.
func (s *SessionTestSuite) TearDownTest() {
	s.mu.Lock()
	sessions := s.sessions
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Teardown(ErrShutdown)
		select {
		case <-sess.Done():
		case <-time.After(waitFor):
			s.Fail("session MUST finish teardown")
		}
	}
}

func (s *SessionTestSuite) expectHandshake() {
	s.link.ExpectProfile(testService, testChar)
	s.link.On("ExchangeMTU", 185).Return(185, nil)
	s.link.On("SetNotification", testChar, true).Return(nil)
}

func (s *SessionTestSuite) newSession(mods ...func(*Options)) *Session {
	opts := Options{
		Identity:    s.id,
		Transport:   &testutils.StaticTransport{Link: s.link},
		Protocol:    s.proto,
		Sink:        s.sink,
		Topics:      s.topics,
		Clock:       s.clock,
		Logger:      testutils.NewTestLogger(),
		AuthTimeout: time.Hour,
		OnDisconnect: func(reason error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.reasons = append(s.reasons, reason)
		},
	}
	for _, mod := range mods {
		mod(&opts)
	}
	sess := New(opts)
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	return sess
}

func (s *SessionTestSuite) startReady() *Session {
	s.expectHandshake()
	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()), "start MUST succeed")
	s.Require().Eventually(func() bool {
		_, ready, _ := s.proto.counts()
		return ready == 1
	}, waitFor, tick, "session MUST reach ready")
	return sess
}

func (s *SessionTestSuite) disconnects() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.reasons...)
}

func (s *SessionTestSuite) notify(sess *Session, records ...[]byte) {
	_, _, before := s.proto.counts()
	for _, r := range records {
		s.Require().NoError(s.link.Notify(testChar, r))
	}
	s.Require().Eventually(func() bool {
		_, _, n := s.proto.counts()
		return n == before+len(records)
	}, waitFor, tick, "stream records MUST be consumed")
}

func (s *SessionTestSuite) lightTopic(field string) string {
	return s.topics.State(s.id, entity.Key{Table: 1, ID: 2}, field)
}

func (s *SessionTestSuite) TestHandshakeReachesReady() {
	// GOAL: Verify a session walks every phase and announces itself online
	//
	// TEST SCENARIO: Discovery, MTU and subscription succeed → ready, auth ran once, availability online, OnReady once

	sess := s.startReady()

	auth, ready, _ := s.proto.counts()
	s.Assert().Equal(1, auth, "authentication MUST run exactly once")
	s.Assert().Equal(1, ready, "OnReady MUST run exactly once")
	s.Assert().Equal(185, sess.MTU(), "negotiated MTU MUST be kept")
	s.Assert().True(s.link.Subscribed(testChar), "notifications MUST be enabled")

	online, seen := s.sink.Online(s.topics.Availability(s.id))
	s.Assert().True(seen && online, "availability MUST be published online")
	s.Assert().Empty(s.disconnects(), "no teardown MUST have happened")
}

func (s *SessionTestSuite) TestAuthWaitsForDiscoveryAndMTU() {
	// GOAL: Verify authentication starts only after both discovery and MTU negotiation completed
	//
	// TEST SCENARIO: MTU exchange held back → discovery done but auth not started → release MTU → auth once, ready

	release := make(chan time.Time)
	s.link.ExpectProfile(testService, testChar)
	s.link.On("ExchangeMTU", 185).WaitUntil(release).Return(247, nil)
	s.link.On("SetNotification", testChar, true).Return(nil)

	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))

	s.Require().Eventually(func() bool { return sess.discovered.Load() }, waitFor, tick, "discovery MUST complete")
	time.Sleep(20 * time.Millisecond)
	auth, _, _ := s.proto.counts()
	s.Assert().Zero(auth, "auth MUST NOT start before MTU settles")
	s.Assert().Equal(PhaseDiscovering, sess.Phase())

	close(release)
	s.Require().Eventually(func() bool { return sess.Phase() == PhaseReady }, waitFor, tick)
	auth, _, _ = s.proto.counts()
	s.Assert().Equal(1, auth, "auth MUST start exactly once")
	s.Assert().Equal(247, sess.MTU())
}

func (s *SessionTestSuite) TestMTUFailureKeepsDefault() {
	// GOAL: Verify a rejected MTU exchange does not fail the session
	//
	// TEST SCENARIO: ExchangeMTU errors → session still reaches ready with the default unit size

	s.link.ExpectProfile(testService, testChar)
	s.link.On("ExchangeMTU", 185).Return(0, errors.New("not supported"))
	s.link.On("SetNotification", testChar, true).Return(nil)

	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))
	s.Require().Eventually(func() bool { return sess.Phase() == PhaseReady }, waitFor, tick)
	s.Assert().Equal(DefaultMTU, sess.MTU(), "default MTU MUST be kept")
}

func (s *SessionTestSuite) TestConnectFailureTearsDown() {
	// GOAL: Verify a failed connect is returned and reported through the disconnect notifier
	//
	// TEST SCENARIO: Transport refuses → Start returns error, OnDisconnect once, phase disconnected

	boom := errors.New("page timeout")
	sess := s.newSession(func(o *Options) { o.Transport = &testutils.StaticTransport{Err: boom} })

	err := sess.Start(context.Background())
	s.Require().ErrorIs(err, boom, "connect error MUST be returned")
	s.Assert().Equal(PhaseDisconnected, sess.Phase())
	s.Require().Len(s.disconnects(), 1)
	s.Assert().ErrorIs(s.disconnects()[0], boom)
}

func (s *SessionTestSuite) TestAuthFailureSurfacesAsAuthError() {
	// GOAL: Verify authentication faults are distinguishable from link faults
	//
	// TEST SCENARIO: Protocol rejects credentials → teardown reason matches ErrAuthFailed, link closed

	s.proto.authErr = &device.AuthError{Stage: "password", Err: errors.New("echo mismatch")}
	s.link.ExpectProfile(testService, testChar)
	s.link.On("ExchangeMTU", 185).Return(185, nil)

	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))

	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		s.FailNow("session MUST tear down")
	}
	s.Assert().ErrorIs(sess.Err(), device.ErrAuthFailed, "reason MUST be an auth failure")
	s.Assert().Equal(1, s.link.Closes(), "link MUST be closed")
	s.Assert().False(s.link.Subscribed(testChar), "subscription MUST NOT be attempted")
}

func (s *SessionTestSuite) TestTeardownIsIdempotentUnderConcurrency() {
	// GOAL: Verify teardown runs once no matter how many paths race into it
	//
	// TEST SCENARIO: Ten goroutines call Teardown → notifier once, link closed once, first reason kept

	sess := s.startReady()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Teardown(ErrStale)
		}()
	}
	wg.Wait()
	sess.Teardown(ErrZombie)

	s.Assert().Len(s.disconnects(), 1, "notifier MUST fire exactly once")
	s.Assert().Equal(1, s.link.Closes(), "link MUST be closed exactly once")
	s.Assert().ErrorIs(sess.Err(), ErrStale, "first reason MUST win")
	s.Assert().Equal(PhaseDisconnected, sess.Phase())

	online, _ := s.sink.Online(s.topics.Availability(s.id))
	s.Assert().False(online, "availability MUST be offline")
}

func (s *SessionTestSuite) TestTeardownCancelsTimersAndState() {
	// GOAL: Verify nothing scheduled before teardown runs or mutates state after it
	//
	// TEST SCENARIO: Schedule callback, publish entity, install pending → teardown → callback never runs, model and guard empty

	sess := s.startReady()
	s.notify(sess, []byte{1, 2, 1, 50})
	sess.Pending().Install(entity.Key{Table: 1, ID: 2}, map[string]string{"brightness": "80"}, time.Minute)

	ran := false
	s.Require().NotZero(sess.Schedule(time.Second, "probe", func() { ran = true }))

	sess.Teardown(ErrShutdown)
	s.clock.Advance(2 * time.Second)

	s.Assert().False(ran, "cancelled callback MUST NOT run")
	s.Assert().Zero(sess.Schedule(time.Second, "late", func() {}), "scheduling after teardown MUST be refused")
	s.Assert().Zero(sess.Model().Len(), "entity model MUST be cleared")
	s.Assert().Zero(sess.Pending().Len(), "pending commands MUST be cleared")
	s.Assert().False(sess.PublishEntity(entity.Tank{Base: entity.Base{Table: 3, ID: 1}, Percent: 10}, nil),
		"publishing after teardown MUST be refused")
}

func (s *SessionTestSuite) TestLinkLossTearsDown() {
	sess := s.startReady()
	s.link.Drop()

	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		s.FailNow("link loss MUST tear the session down")
	}
	s.Assert().ErrorIs(sess.Err(), ErrLinkLost)
}

func (s *SessionTestSuite) TestWatchdogZombieFiresOnce() {
	// GOAL: Verify a never-authenticated session is detected and the watchdog then stops for good
	//
	// TEST SCENARIO: Auth hangs → advance 6 min → zombie teardown → advance 10 more min → no further ticks

	s.proto.authBlock = true
	s.link.ExpectProfile(testService, testChar)
	s.link.On("ExchangeMTU", 185).Return(185, nil)

	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))
	s.Require().Eventually(func() bool { a, _, _ := s.proto.counts(); return a == 1 }, waitFor, tick)

	s.clock.Advance(6 * time.Minute)
	s.Require().ErrorIs(sess.Err(), ErrZombie, "zombie MUST be detected")
	ticks := sess.watchdog.Ticks()

	s.clock.Advance(10 * time.Minute)
	s.Assert().Equal(ticks, sess.watchdog.Ticks(), "watchdog MUST NOT tick after detection")
	s.Assert().True(sess.watchdog.Stopped())
	s.Assert().Len(s.disconnects(), 1, "teardown MUST happen exactly once")
}

func (s *SessionTestSuite) TestWatchdogStaleAfterSilence() {
	// GOAL: Verify an authenticated but silent session is detected as stale
	//
	// TEST SCENARIO: Ready, no inbound traffic for 6 min → stale teardown

	sess := s.startReady()
	s.clock.Advance(6 * time.Minute)
	s.Assert().ErrorIs(sess.Err(), ErrStale)
}

func (s *SessionTestSuite) TestInboundTrafficKeepsSessionAlive() {
	// GOAL: Verify routine inbound messages refresh liveness
	//
	// TEST SCENARIO: One status record per minute for ten minutes → session stays ready

	sess := s.startReady()
	for i := 0; i < 10; i++ {
		s.notify(sess, []byte{1, 2, 1, byte(i)})
		s.clock.Advance(time.Minute)
	}
	s.Assert().NoError(sess.Err(), "healthy session MUST NOT be torn down")
	s.Assert().Equal(PhaseReady, sess.Phase())
}

func (s *SessionTestSuite) TestOutboundWritesDoNotMaskSilence() {
	// GOAL: Verify successful writes after authentication do not count as liveness
	//
	// TEST SCENARIO: Ready, a write every minute but nothing inbound → stale after the threshold

	sess := s.startReady()
	s.link.On("WriteCharacteristic", testChar, mock.Anything, false).Return(nil)
	for i := 0; i < 6; i++ {
		s.Require().NoError(sess.Write(context.Background(), testChar, []byte("RD\r"), false))
		s.clock.Advance(time.Minute)
	}
	s.Assert().ErrorIs(sess.Err(), ErrStale)
}

func (s *SessionTestSuite) TestPublishEntityDiscoveryOnce() {
	// GOAL: Verify state is published on every update and discovery only on first sight
	//
	// TEST SCENARIO: Three updates for one light → three brightness publishes, one discovery record, one live model value

	sess := s.startReady()
	s.notify(sess, []byte{1, 2, 1, 10}, []byte{1, 2, 1, 20}, []byte{1, 2, 1, 30})

	s.Assert().Equal(3, s.sink.Count(s.lightTopic("brightness")))
	last, _ := s.sink.Last(s.lightTopic("brightness"))
	s.Assert().Equal("30", last, "latest value MUST win")
	s.Assert().Len(s.sink.Discoveries(), 1, "discovery MUST be published once")
	s.Assert().Equal(1, sess.Model().Len(), "model MUST hold one value per key")

	got, ok := sess.Model().Get(entity.Key{Table: 1, ID: 2})
	s.Require().True(ok)
	s.Assert().Equal(uint8(30), got.(entity.DimmableLight).Brightness)
}

func (s *SessionTestSuite) TestRepublishNameOnlyPublishedKinds() {
	// GOAL: Verify a resolved name republishes exactly the kinds already published for the key
	//
	// TEST SCENARIO: Key 1/2 published as light only → name resolves → one light record republished, nothing else

	sess := s.startReady()
	s.notify(sess, []byte{1, 2, 1, 10})
	s.sink.Reset()

	n := sess.RepublishName(entity.Key{Table: 1, ID: 2}, "Porch Light")
	s.Assert().Equal(1, n)
	recs := s.sink.Discoveries()
	s.Require().Len(recs, 1)
	s.Assert().Contains(recs[0].Topic, "/light/")
	testutils.NewJSONAsserter(s.T()).Assert(recs[0].Payload, `{"name":"Porch Light"}`)

	s.Assert().Zero(sess.RepublishName(entity.Key{Table: 9, ID: 9}, "Ghost"), "unpublished key MUST republish nothing")
	s.Assert().Zero(sess.RepublishName(entity.Key{Table: 1, ID: 2}, "Porch Light"), "unchanged name MUST republish nothing")
	s.Assert().Len(s.sink.Discoveries(), 1)

	name, ok := sess.Names().Lookup(s.id, entity.Key{Table: 9, ID: 9})
	s.Assert().True(ok, "name MUST be cached even before the entity is seen")
	s.Assert().Equal("Ghost", name)
}

func (s *SessionTestSuite) TestPendingGuardSuppressesStaleEcho() {
	// GOAL: Verify device echoes cannot undo a fresh command inside its window
	//
	// TEST SCENARIO: Set brightness 200 → echo 0 at +2s suppressed → echo 200 published and clears pending → later 0 published

	sess := s.startReady()
	s.link.On("WriteCharacteristic", testChar, mock.Anything, true).Return(nil)
	s.proto.controlPlan = lightPlan

	req := ControlRequest{Kind: entity.KindLight, Key: entity.Key{Table: 1, ID: 2}, Values: map[string]string{"brightness": "200"}}
	s.Require().NoError(sess.Control(req))
	s.Require().Eventually(func() bool { return len(s.link.Writes()) == 1 }, waitFor, tick, "write MUST be issued")

	last, _ := s.sink.Last(s.lightTopic("brightness"))
	s.Assert().Equal("200", last, "optimistic value MUST be published immediately")

	s.clock.Advance(2 * time.Second)
	s.notify(sess, []byte{1, 2, 0, 0})
	last, _ = s.sink.Last(s.lightTopic("brightness"))
	s.Assert().Equal("200", last, "stale echo MUST be suppressed")
	s.Assert().Equal(1, sess.Pending().Len())

	s.notify(sess, []byte{1, 2, 1, 200})
	s.Assert().Zero(sess.Pending().Len(), "matching update MUST clear the pending command")

	s.notify(sess, []byte{1, 2, 0, 0})
	last, _ = s.sink.Last(s.lightTopic("brightness"))
	s.Assert().Equal("0", last, "updates after confirmation MUST be published")
}

func (s *SessionTestSuite) TestPendingGuardWindowExpires() {
	sess := s.startReady()
	s.link.On("WriteCharacteristic", testChar, mock.Anything, true).Return(nil)
	s.proto.controlPlan = lightPlan

	req := ControlRequest{Kind: entity.KindLight, Key: entity.Key{Table: 1, ID: 2}, Values: map[string]string{"brightness": "200"}}
	s.Require().NoError(sess.Control(req))

	s.clock.Advance(13 * time.Second)
	s.notify(sess, []byte{1, 2, 1, 90})
	last, _ := s.sink.Last(s.lightTopic("brightness"))
	s.Assert().Equal("90", last, "after the window any value MUST be published")
}

func (s *SessionTestSuite) TestControlRejectionsDoNoIO() {
	// GOAL: Verify read-only, safety-disabled and premature requests fail with named errors and no writes
	//
	// TEST SCENARIO: Before ready → ErrNotReady; tank → ErrReadOnly; cover → ErrControlDisabled; kind mismatch → ErrInvalidCommand

	s.proto.controlPlan = lightPlan
	notStarted := s.newSession()
	s.Assert().ErrorIs(notStarted.Control(ControlRequest{Kind: entity.KindLight}), ErrNotReady)

	sess := s.startReady()
	s.Assert().ErrorIs(sess.Control(ControlRequest{Kind: entity.KindTank, Key: entity.Key{Table: 3, ID: 1}}), ErrReadOnly)
	s.Assert().ErrorIs(sess.Control(ControlRequest{Kind: entity.KindSensor}), ErrReadOnly)
	s.Assert().ErrorIs(sess.Control(ControlRequest{Kind: entity.KindCover, Key: entity.Key{Table: 4, ID: 1}}), ErrControlDisabled)

	s.notify(sess, []byte{1, 2, 1, 10})
	err := sess.Control(ControlRequest{Kind: entity.KindSwitch, Key: entity.Key{Table: 1, ID: 2}, Values: map[string]string{"state": "ON"}})
	s.Assert().ErrorIs(err, ErrInvalidCommand)

	s.Assert().Empty(s.link.Writes(), "rejected requests MUST NOT touch the transport")

	sess.Teardown(ErrShutdown)
	s.Assert().ErrorIs(sess.Control(ControlRequest{Kind: entity.KindLight}), ErrSessionClosed)
}

func (s *SessionTestSuite) TestWriteRetriesWithGrowingDelay() {
	// GOAL: Verify first-attempt write failures are retried after 250 ms and 500 ms
	//
	// TEST SCENARIO: Two failures then success → three attempts, session stays ready

	sess := s.startReady()
	s.link.On("WriteCharacteristic", testChar, mock.Anything, true).Return(errors.New("busy")).Twice()
	s.link.On("WriteCharacteristic", testChar, mock.Anything, true).Return(nil).Once()
	s.proto.controlPlan = lightPlan
	base := s.clock.Pending()

	req := ControlRequest{Kind: entity.KindLight, Key: entity.Key{Table: 1, ID: 2}, Values: map[string]string{"brightness": "5"}}
	s.Require().NoError(sess.Control(req))

	s.Require().Eventually(func() bool { return len(s.link.Writes()) == 1 && s.clock.Pending() == base+1 }, waitFor, tick)
	s.clock.Advance(249 * time.Millisecond)
	s.Assert().Len(s.link.Writes(), 1, "retry MUST wait the full first delay")
	s.clock.Advance(time.Millisecond)

	s.Require().Eventually(func() bool { return len(s.link.Writes()) == 2 && s.clock.Pending() == base+1 }, waitFor, tick)
	s.clock.Advance(500 * time.Millisecond)

	s.Require().Eventually(func() bool { return len(s.link.Writes()) == 3 }, waitFor, tick)
	s.Assert().NoError(sess.Err())
}

func (s *SessionTestSuite) TestWriteRetriesExhaustedTearDown() {
	sess := s.startReady()
	s.link.On("WriteCharacteristic", testChar, mock.Anything, true).Return(errors.New("busy"))
	s.proto.controlPlan = lightPlan
	base := s.clock.Pending()

	req := ControlRequest{Kind: entity.KindLight, Key: entity.Key{Table: 1, ID: 2}, Values: map[string]string{"brightness": "5"}}
	s.Require().NoError(sess.Control(req))

	for attempt := 1; attempt <= 2; attempt++ {
		s.Require().Eventually(func() bool { return len(s.link.Writes()) == attempt && s.clock.Pending() == base+1 }, waitFor, tick)
		s.clock.Advance(time.Second)
	}
	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		s.FailNow("exhausted retries MUST tear the session down")
	}
	s.Assert().ErrorIs(sess.Err(), ErrWriteExhausted)
	s.Assert().Len(s.link.Writes(), 3)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
