package session

import "errors"

// Control errors. All are returned synchronously, before any transport I/O.
var (
	ErrReadOnly        = errors.New("entity is read-only")
	ErrControlDisabled = errors.New("control disabled for safety")
	ErrUnknownEntity   = errors.New("unknown entity")
	ErrInvalidCommand  = errors.New("invalid command")
	ErrSessionClosed   = errors.New("session closed")
	ErrNotReady        = errors.New("session not ready")
)

// Teardown reasons.
var (
	ErrLinkLost       = errors.New("link lost")
	ErrZombie         = errors.New("watchdog: connected but never authenticated")
	ErrStale          = errors.New("watchdog: authenticated but silent")
	ErrAuthTimeout    = errors.New("authentication timed out")
	ErrShutdown       = errors.New("shutdown requested")
	ErrWriteExhausted = errors.New("write retries exhausted")
)
