package goble

import (
	"fmt"
	"strings"

	"github.com/srg/rvlink/internal/device"
)

// errorPatterns maps go-ble and platform stack messages (matched as lower-case
// substrings) to the structured errors the session and CLI understand. The
// first match wins.
var errorPatterns = []struct {
	substr string
	target error
}{
	{"is bluetooth turned on", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"can't init hci", device.ErrBluetoothOff},
	{"no devices available", device.ErrBluetoothOff},
	{"device already connected", device.ErrAlreadyConnected},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
	{"connection is not initialized", device.ErrNotInitialized},
	{"timed out", device.ErrTimeout},
}

// NormalizeError wraps err with the matching structured error, keeping the
// original message. Unknown errors pass through unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(msg, p.substr) {
			return fmt.Errorf("%w: %v", p.target, err)
		}
	}
	return err
}
