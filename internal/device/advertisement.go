package device

import "context"

// Advertisement is one received advertising report. Services are normalized.
type Advertisement struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
}

// Scanner listens for advertisements until ctx ends. A finished scan window
// (deadline or cancel) is not an error.
type Scanner interface {
	Scan(ctx context.Context, handler func(Advertisement)) error
}
