package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/internal/groutine"
	"go.uber.org/atomic"
)

// Control validates and executes a control request. Rejections are returned
// synchronously and never touch the transport. On acceptance the optimistic
// value is published, the pending guard is armed and the writes are queued;
// write failures after that point are handled by the retry policy and, when
// exhausted, by teardown.
func (s *Session) Control(req ControlRequest) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.ready.Load() {
		return ErrNotReady
	}
	if err := checkControllable(req.Kind); err != nil {
		return err
	}

	current, ok := s.model.Get(req.Key)
	if ok {
		if current.ReadOnly() {
			return ErrReadOnly
		}
		if current.Kind() != req.Kind {
			return fmt.Errorf("%w: %s is a %s, not a %s", ErrInvalidCommand, req.Key, current.Kind(), req.Kind)
		}
	}

	plan, err := s.proto.Control(s, current, req)
	if err != nil {
		return err
	}
	if len(plan.Writes) == 0 {
		return fmt.Errorf("%w: nothing to write", ErrInvalidCommand)
	}

	if plan.Optimistic != nil {
		s.publish(plan.Optimistic, nil, false)
	}
	if plan.Target != nil {
		s.pending.Install(req.Key, plan.Target, plan.Window)
	}

	s.logger.WithFields(logrus.Fields{
		"entity": req.Key.String(),
		"kind":   req.Kind,
		"writes": len(plan.Writes),
	}).Info("Control request accepted")

	return s.queue.push(commandJob{key: req.Key, plan: plan})
}

type commandJob struct {
	key  entity.Key
	plan *CommandPlan
}

// commandQueue serializes control writes on one worker so a slow retry never
// interleaves with the next command's bytes. The overlapped ring drops the
// oldest queued command when full.
type commandQueue struct {
	s      *Session
	buf    mpmc.RichOverlappedRingBuffer[commandJob]
	notify chan struct{}
	closed *atomic.Bool
}

func newCommandQueue(s *Session, capacity uint32) *commandQueue {
	return &commandQueue{
		s:      s,
		buf:    mpmc.NewOverlappedRingBuffer[commandJob](capacity),
		notify: make(chan struct{}, 1),
		closed: atomic.NewBool(false),
	}
}

func (q *commandQueue) start() {
	groutine.GoSafe(q.s.ctx, "session-commands", q.s.opts.Logger, q.run, q.s.Fail)
}

func (q *commandQueue) push(job commandJob) error {
	if q.closed.Load() {
		return ErrSessionClosed
	}
	overwrites, err := q.buf.EnqueueM(job)
	if err != nil {
		return fmt.Errorf("command queue: %w", err)
	}
	if overwrites > 0 {
		q.s.logger.WithField("dropped", overwrites).Warn("Command queue full, oldest command dropped")
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *commandQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
		for !q.buf.IsEmpty() {
			job, err := q.buf.Dequeue()
			if err != nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			q.execute(ctx, job)
		}
	}
}

// close stops accepting commands. It never waits for the worker, so it is
// safe to call from the worker itself.
func (q *commandQueue) close() {
	q.closed.Store(true)
}

func (q *commandQueue) execute(ctx context.Context, job commandJob) {
	s := q.s
	for _, w := range job.plan.Writes {
		if err := s.writeWithRetry(ctx, w, job.plan.Retry); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.pending.Remove(job.key)
			s.Teardown(fmt.Errorf("%w: %s: %w", ErrWriteExhausted, device.ShortenUUID(w.UUID), err))
			return
		}
	}
	if job.plan.Verify != nil && job.plan.VerifyAfter > 0 {
		verify := job.plan.Verify
		s.Schedule(job.plan.VerifyAfter, "verify-"+job.key.String(), func() { verify(s) })
	}
}

// writeWithRetry tries once, then once more after each policy delay. First
// attempt failures are routine on these links and only logged at Debug.
func (s *Session) writeWithRetry(ctx context.Context, w Write, policy RetryPolicy) error {
	var err error
	for attempt := 0; attempt < policy.Attempts(); attempt++ {
		if attempt > 0 {
			if werr := s.sleep(ctx, policy.Delays[attempt-1]); werr != nil {
				return werr
			}
		}
		err = s.Write(ctx, w.UUID, w.Data, w.Ack)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"char_uuid": device.ShortenUUID(w.UUID),
			"attempt":   attempt + 1,
			"error":     err,
		}).Debug("Write failed")
	}
	return err
}

// sleep waits d on the session clock.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	wake := make(chan struct{})
	t := s.clock.AfterFunc(d, func() { close(wake) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	}
}
