package session

import (
	"context"
	"time"

	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
)

// Subscription is a characteristic the session enables notifications on.
// Stream subscriptions feed the ordered byte queue consumed by HandleStream;
// the others are delivered one notification at a time to HandleNotification.
type Subscription struct {
	UUID   string
	Stream bool
}

// Protocol is one peripheral family. A fresh instance is created per session,
// so implementations may keep per-session state (decoders, one-shot flags)
// without locking against other sessions.
type Protocol interface {
	Family() device.Family

	// Resolve binds the family's characteristic roles to discovered UUIDs.
	Resolve(services map[string][]string) error

	Subscriptions() []Subscription

	// Authenticate runs in the authenticating phase. Families without a
	// handshake return nil immediately.
	Authenticate(ctx context.Context, s *Session) error

	// Subscribed runs once notifications are enabled. Returning true enters
	// ready; false means the family will call Session.MarkReady itself.
	Subscribed(ctx context.Context, s *Session) (bool, error)

	// OnReady starts steady-state work (polls, deferred requests).
	OnReady(s *Session)

	// HandleStream consumes ordered bytes from stream subscriptions. It runs
	// on the single stream consumer goroutine.
	HandleStream(s *Session, data []byte)

	// HandleNotification consumes a notification from a non-stream subscription.
	HandleNotification(s *Session, charUUID string, data []byte)

	// Control encodes a control request. current is the live entity for the
	// key, or nil when none was observed yet.
	Control(s *Session, current entity.Entity, req ControlRequest) (*CommandPlan, error)
}

// Write is one characteristic write.
type Write struct {
	UUID string
	Data []byte
	Ack  bool
}

// RetryPolicy bounds write retries. Delays[i] precedes extra attempt i+1;
// each delay is larger than the last.
type RetryPolicy struct {
	Delays []time.Duration
}

// DefaultRetryPolicy allows two extra attempts after 250 ms and 500 ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delays: []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}}
}

// Attempts is the total number of tries including the first.
func (r RetryPolicy) Attempts() int { return len(r.Delays) + 1 }

// CommandPlan is a protocol's translation of a control request.
type CommandPlan struct {
	// Optimistic is published immediately, before the write.
	Optimistic entity.Entity
	// Target and Window install the pending guard; nil Target installs none.
	Target map[string]string
	Window time.Duration

	Writes []Write
	Retry  RetryPolicy

	// VerifyAfter schedules Verify after the writes succeed.
	VerifyAfter time.Duration
	Verify      func(s *Session)
}
