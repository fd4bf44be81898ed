package bus

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/rvlink/internal/codec"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/groutine"
	"github.com/srg/rvlink/internal/session"
)

// SessionKeySize is the length of the second-stage key: cipher output, PIN,
// zero padding.
const SessionKeySize = 16

// UnlockKey derives the first-stage key. Challenge and key are both big-endian.
func UnlockKey(constant uint32, challenge []byte) ([]byte, error) {
	return codec.Exchange{
		Constant:    constant,
		InputOrder:  binary.BigEndian,
		OutputOrder: binary.BigEndian,
	}.Derive(challenge)
}

// SessionKey derives the second-stage key. The challenge is big-endian but the
// cipher output is written little-endian, followed by the ASCII PIN.
func SessionKey(constant uint32, challenge []byte, pin string) ([]byte, error) {
	if len(pin) != 6 {
		return nil, fmt.Errorf("pin must be 6 characters, got %d", len(pin))
	}
	head, err := codec.Exchange{
		Constant:    constant,
		InputOrder:  binary.BigEndian,
		OutputOrder: binary.LittleEndian,
	}.Derive(challenge)
	if err != nil {
		return nil, err
	}
	key := make([]byte, SessionKeySize)
	copy(key, head)
	copy(key[4:], pin)
	return key, nil
}

// Authenticate runs the unlock stage: read challenge, write derived key,
// re-read the status and require the unlocked marker.
func (p *Protocol) Authenticate(ctx context.Context, s *session.Session) error {
	status, key := p.chars[RoleStatus], p.chars[RoleKey]

	challenge, err := s.Read(ctx, status)
	if err != nil {
		return fmt.Errorf("read unlock challenge: %w", err)
	}
	if isUnlocked(challenge) {
		s.Logger().Debug("Gateway already unlocked")
		return nil
	}

	unlock, err := UnlockKey(p.cfg.UnlockConstant, challenge)
	if err != nil {
		return &device.AuthError{Stage: "unlock", Err: err}
	}
	if err := s.Write(ctx, key, unlock, true); err != nil {
		return fmt.Errorf("write unlock key: %w", err)
	}

	reply, err := s.Read(ctx, status)
	if err != nil {
		return fmt.Errorf("read unlock status: %w", err)
	}
	if !isUnlocked(reply) {
		return &device.AuthError{Stage: "unlock", Err: fmt.Errorf("status %q after key write", printable(reply))}
	}
	s.Logger().Debug("Gateway unlocked")
	return nil
}

// onChallenge answers a session challenge notification. The write runs off the
// notification goroutine because some stacks deadlock on writes issued from
// inside a notification callback.
func (p *Protocol) onChallenge(s *session.Session, challenge []byte) {
	key, err := SessionKey(p.cfg.SessionConstant, challenge, p.cfg.PIN)
	if err != nil {
		s.Fail(&device.AuthError{Stage: "session_key", Err: err})
		return
	}
	groutine.GoSafe(s.Context(), "bus-session-key", s.Logger().Logger, func(ctx context.Context) {
		if err := s.Write(ctx, p.chars[RoleKey], key, true); err != nil {
			if errors.Is(err, session.ErrSessionClosed) || ctx.Err() != nil {
				return
			}
			s.Fail(fmt.Errorf("write session key: %w", err))
			return
		}
		if p.keyed.CompareAndSwap(false, true) {
			s.Logger().Debug("Session key accepted")
		}
		s.MarkReady()
	}, s.Fail)
}

func isUnlocked(data []byte) bool {
	return strings.EqualFold(string(bytes.TrimRight(data, "\x00\r\n ")), UnlockedText)
}

func printable(data []byte) string {
	if len(data) == 4 {
		return fmt.Sprintf("% x", data)
	}
	return string(data)
}
