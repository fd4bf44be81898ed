package entity

import (
	"sync"
	"time"
)

// PendingCommand records a locally issued target value for one key.
type PendingCommand struct {
	Key      Key
	Target   map[string]string
	IssuedAt time.Time
	Window   time.Duration
}

// Matches reports whether every target field equals the same field in fields.
func (p PendingCommand) Matches(fields map[string]string) bool {
	for k, want := range p.Target {
		if got, ok := fields[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func (p PendingCommand) expired(now time.Time) bool {
	return now.Sub(p.IssuedAt) > p.Window
}

// Verdict is the outcome of running an inbound update through the guard.
type Verdict int

const (
	// Publish: no command pending for the key.
	Publish Verdict = iota
	// Suppress: a command is pending and the update disagrees with its target.
	Suppress
	// Confirmed: the update matches the pending target; the entry was cleared.
	Confirmed
	// Expired: the pending window elapsed; the entry was cleared.
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Publish:
		return "publish"
	case Suppress:
		return "suppress"
	case Confirmed:
		return "confirmed"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Admitted reports whether an update with this verdict is published.
func (v Verdict) Admitted() bool { return v != Suppress }

// PendingGuard suppresses device echoes that would visibly undo a command the
// operator just issued. Suppression applies only inside a command's window and
// only to values that differ from its target.
type PendingGuard struct {
	mu      sync.Mutex
	now     func() time.Time
	pending map[Key]PendingCommand
}

// NewPendingGuard creates a guard reading time from now (time.Now when nil).
func NewPendingGuard(now func() time.Time) *PendingGuard {
	if now == nil {
		now = time.Now
	}
	return &PendingGuard{now: now, pending: make(map[Key]PendingCommand)}
}

// Install records a pending command, replacing any earlier one for the key.
func (g *PendingGuard) Install(key Key, target map[string]string, window time.Duration) PendingCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make(map[string]string, len(target))
	for k, v := range target {
		cp[k] = v
	}
	p := PendingCommand{Key: key, Target: cp, IssuedAt: g.now(), Window: window}
	g.pending[key] = p
	return p
}

// Check decides whether an inbound update for key may be published.
func (g *PendingGuard) Check(key Key, fields map[string]string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[key]
	if !ok {
		return Publish
	}
	if p.expired(g.now()) {
		delete(g.pending, key)
		return Expired
	}
	if p.Matches(fields) {
		delete(g.pending, key)
		return Confirmed
	}
	return Suppress
}

// Get returns the pending command for key if its window is still open.
func (g *PendingGuard) Get(key Key) (PendingCommand, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[key]
	if !ok || p.expired(g.now()) {
		return PendingCommand{}, false
	}
	return p, true
}

// Remove drops the pending command for key.
func (g *PendingGuard) Remove(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, key)
}

func (g *PendingGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Clear drops every pending command (session teardown).
func (g *PendingGuard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = make(map[Key]PendingCommand)
}
