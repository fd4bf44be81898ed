package session

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() (*Scheduler, *clock.Manual) {
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	return NewScheduler(c, logrus.NewEntry(logrus.New())), c
}

func TestSchedulerOneShotAndCancel(t *testing.T) {
	// GOAL: Verify one-shot callbacks fire once and cancelled ones never fire
	//
	// TEST SCENARIO: Schedule two, cancel one, advance → only the live one runs, and only once

	s, c := newTestScheduler()
	fired := map[string]int{}
	s.Schedule(time.Second, "a", func() { fired["a"]++ })
	tok := s.Schedule(time.Second, "b", func() { fired["b"]++ })
	s.Cancel(tok)
	s.Cancel(tok)

	c.Advance(5 * time.Second)
	assert.Equal(t, map[string]int{"a": 1}, fired)
	assert.Zero(t, s.Pending(), "fired one-shots MUST be forgotten")
}

func TestSchedulerEveryRepeatsUntilCancelled(t *testing.T) {
	s, c := newTestScheduler()
	n := 0
	tok := s.Every(4*time.Second, "poll", func() { n++ })
	require.NotZero(t, tok)

	c.Advance(12 * time.Second)
	assert.Equal(t, 3, n, "periodic callback MUST run every period")

	s.Cancel(tok)
	c.Advance(12 * time.Second)
	assert.Equal(t, 3, n, "cancelled periodic callback MUST stop")
}

func TestSchedulerCancelAllIsFinal(t *testing.T) {
	// GOAL: Verify CancelAll stops every callback and refuses new ones
	//
	// TEST SCENARIO: One-shot and periodic armed → CancelAll → advance → nothing runs; later Schedule returns 0

	s, c := newTestScheduler()
	n := 0
	s.Schedule(time.Second, "once", func() { n++ })
	s.Every(time.Second, "poll", func() { n++ })

	s.CancelAll()
	c.Advance(time.Minute)
	assert.Zero(t, n, "no callback MUST run after CancelAll")
	assert.Zero(t, s.Schedule(time.Second, "late", func() { n++ }))
	assert.Zero(t, s.Every(time.Second, "late", func() { n++ }))
	assert.Zero(t, c.Pending())
}

func TestSchedulerCancelFromInsideCallback(t *testing.T) {
	s, c := newTestScheduler()
	n := 0
	var tok Token
	tok = s.Every(time.Second, "self-cancel", func() {
		n++
		if n == 2 {
			s.Cancel(tok)
		}
	})
	c.Advance(10 * time.Second)
	assert.Equal(t, 2, n, "a periodic callback MUST be able to cancel itself")
}
