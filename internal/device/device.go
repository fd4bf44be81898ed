package device

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError represents an error when a GATT resource is not found on the peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout    = errors.New("timeout")
	ErrAuthFailed = errors.New("authentication failed")
)

// AuthError reports a failed authentication exchange. It matches ErrAuthFailed
// with errors.Is so callers can tell it apart from a transient link fault.
type AuthError struct {
	Stage string // "unlock", "session_key", "password"
	Err   error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrAuthFailed, e.Stage)
	}
	return fmt.Sprintf("%s: %s: %v", ErrAuthFailed, e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailed
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// NotificationHandler receives inbound notification payloads for one characteristic.
// Handlers are called from transport goroutines and must not retain data.
type NotificationHandler func(charUUID string, data []byte)

// Transport opens links to peripherals.
type Transport interface {
	Connect(ctx context.Context, id PeripheralIdentity) (Link, error)
}

// Link is a live connection to one peripheral. Every operation may fail
// independently; none of them is retried here.
type Link interface {
	// DiscoverServices returns service UUID -> characteristic UUIDs, all normalized.
	DiscoverServices(ctx context.Context) (map[string][]string, error)
	// ExchangeMTU negotiates the transmission unit and returns the agreed size.
	ExchangeMTU(ctx context.Context, want int) (int, error)
	ReadCharacteristic(ctx context.Context, charUUID string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, charUUID string, data []byte, withResponse bool) error
	SetNotification(ctx context.Context, charUUID string, enabled bool, handler NotificationHandler) error
	// Disconnected is closed when the peripheral drops the link.
	Disconnected() <-chan struct{}
	Close() error
}
