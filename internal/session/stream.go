package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/rvlink/internal/groutine"
)

// DefaultStreamCapacity is the notification byte queue size.
const DefaultStreamCapacity = 16 * 1024

// Stream hands notification bytes from transport goroutines to a single
// consumer, preserving arrival order. Producers never block: bytes that do not
// fit are dropped and the frame decoder resynchronizes on the next delimiter.
type Stream struct {
	buf    *ringbuffer.RingBuffer
	notify chan struct{} // buffered so the signal never blocks
	logger *logrus.Entry
	done   chan struct{}
}

func NewStream(capacity int, logger *logrus.Entry) *Stream {
	if capacity <= 0 {
		capacity = DefaultStreamCapacity
	}
	return &Stream{
		buf:    ringbuffer.New(capacity),
		notify: make(chan struct{}, 1),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Push enqueues data. Safe for concurrent producers.
func (s *Stream) Push(data []byte) {
	// Note: smallnest/ringbuffer.Write() returns how many bytes were actually written
	n, err := s.buf.Write(data)
	if n < len(data) {
		s.logger.WithFields(logrus.Fields{
			"dropped": len(data) - n,
			"error":   err,
		}).Warn("Notification queue full, dropping bytes")
	}
	if n > 0 {
		s.signal()
	}
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue into consume until ctx is cancelled. It idles on the
// notify channel between deliveries instead of polling.
func (s *Stream) Run(ctx context.Context, consume func([]byte)) {
	defer close(s.done)
	chunk := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		for {
			n, err := s.buf.TryRead(chunk)
			if n > 0 {
				consume(chunk[:n])
			}
			if n == 0 {
				if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
					// lock contention, not empty: come back for the rest
					s.signal()
				}
				break
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Start runs the consumer on its own named goroutine.
func (s *Stream) Start(ctx context.Context, name string, consume func([]byte), onPanic func(error)) {
	groutine.GoSafe(ctx, name, s.logger.Logger, func(ctx context.Context) {
		s.Run(ctx, consume)
	}, onPanic)
}

// Done is closed once the consumer has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Reset discards queued bytes.
func (s *Stream) Reset() {
	s.buf.Reset()
}
