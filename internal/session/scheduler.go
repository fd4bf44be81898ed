package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/clock"
)

// Token identifies a scheduled callback. The zero Token is never issued.
type Token uint64

// Scheduler owns every delayed callback of one session: polls, verification
// reads, deferred metadata requests, auth deadlines. CancelAll stops them all
// at once; a callback whose token was cancelled never runs, even if its timer
// already fired.
type Scheduler struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *logrus.Entry
	timers map[Token]clock.Timer
	next   Token
	closed bool
}

func NewScheduler(clk clock.Clock, logger *logrus.Entry) *Scheduler {
	return &Scheduler{clock: clk, logger: logger, timers: make(map[Token]clock.Timer)}
}

// Schedule runs fn once after d. It returns 0 when the scheduler is closed.
func (s *Scheduler) Schedule(d time.Duration, name string, fn func()) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.next++
	tok := s.next
	s.timers[tok] = s.clock.AfterFunc(d, func() { s.fire(tok, name, fn) })
	return tok
}

// Every runs fn each period until cancelled. The returned token stays valid
// across repetitions.
func (s *Scheduler) Every(period time.Duration, name string, fn func()) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.next++
	tok := s.next
	s.armLocked(tok, period, name, fn)
	return tok
}

func (s *Scheduler) armLocked(tok Token, period time.Duration, name string, fn func()) {
	s.timers[tok] = s.clock.AfterFunc(period, func() {
		if !s.take(tok, false) {
			return
		}
		fn()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if _, live := s.timers[tok]; live {
			s.armLocked(tok, period, name, fn)
		}
	})
}

func (s *Scheduler) fire(tok Token, name string, fn func()) {
	if !s.take(tok, true) {
		return
	}
	if s.logger != nil {
		s.logger.WithField("timer", name).Trace("Timer fired")
	}
	fn()
}

// take reports whether tok is still live, removing it when once is set.
func (s *Scheduler) take(tok Token, once bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.timers[tok]; !ok {
		return false
	}
	if once {
		delete(s.timers, tok)
	}
	return true
}

// Cancel stops one callback. Cancelling an unknown or fired token is a no-op.
func (s *Scheduler) Cancel(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[tok]; ok {
		t.Stop()
		delete(s.timers, tok)
	}
}

// Pending returns the number of live callbacks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// CancelAll stops every callback and refuses new ones.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for tok, t := range s.timers {
		t.Stop()
		delete(s.timers, tok)
	}
}
