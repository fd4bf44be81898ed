package session

import (
	"sync"
	"time"

	"github.com/srg/rvlink/internal/clock"
)

// Detection is a watchdog verdict.
type Detection int

const (
	Healthy Detection = iota
	// Zombie: connected, never authenticated, past the threshold.
	Zombie
	// Stale: authenticated, no liveness update within the threshold.
	Stale
)

func (d Detection) String() string {
	switch d {
	case Zombie:
		return "zombie"
	case Stale:
		return "stale"
	}
	return "healthy"
}

// Err maps a detection to the teardown reason.
func (d Detection) Err() error {
	switch d {
	case Zombie:
		return ErrZombie
	case Stale:
		return ErrStale
	}
	return nil
}

// WatchdogOptions tunes the health check.
type WatchdogOptions struct {
	Period      time.Duration
	ZombieAfter time.Duration
	StaleAfter  time.Duration
}

// DefaultWatchdogOptions: check every minute, give up after five.
func DefaultWatchdogOptions() WatchdogOptions {
	return WatchdogOptions{Period: time.Minute, ZombieAfter: 5 * time.Minute, StaleAfter: 5 * time.Minute}
}

// Liveness is the watchdog's view of a session.
type Liveness struct {
	Authenticated bool
	StartedAt     time.Time
	LastActivity  time.Time
}

// Evaluate classifies a liveness snapshot at now. The two detections are
// mutually exclusive: which one applies depends only on Authenticated.
func (o WatchdogOptions) Evaluate(l Liveness, now time.Time) Detection {
	if !l.Authenticated {
		since := l.StartedAt
		if l.LastActivity.After(since) {
			since = l.LastActivity
		}
		if now.Sub(since) > o.ZombieAfter {
			return Zombie
		}
		return Healthy
	}
	if now.Sub(l.LastActivity) > o.StaleAfter {
		return Stale
	}
	return Healthy
}

// Watchdog ticks every period and fires onDetect at most once. After a
// detection, or after Stop, it never re-arms.
type Watchdog struct {
	opts     WatchdogOptions
	clock    clock.Clock
	probe    func() Liveness
	onDetect func(Detection)

	mu    sync.Mutex
	done  bool
	timer clock.Timer
	ticks int
}

func NewWatchdog(opts WatchdogOptions, clk clock.Clock, probe func() Liveness, onDetect func(Detection)) *Watchdog {
	return &Watchdog{opts: opts, clock: clk, probe: probe, onDetect: onDetect}
}

func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armLocked()
}

func (w *Watchdog) armLocked() {
	if w.done {
		return
	}
	w.timer = w.clock.AfterFunc(w.opts.Period, w.tick)
}

func (w *Watchdog) tick() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.ticks++
	w.mu.Unlock()

	d := w.opts.Evaluate(w.probe(), w.clock.Now())
	if d != Healthy {
		w.mu.Lock()
		if w.done {
			w.mu.Unlock()
			return
		}
		w.done = true
		w.mu.Unlock()
		w.onDetect(d)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.armLocked()
}

// Stop prevents any further tick. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Ticks returns how many periods were evaluated.
func (w *Watchdog) Ticks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ticks
}

// Stopped reports whether the watchdog will never tick again.
func (w *Watchdog) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}
