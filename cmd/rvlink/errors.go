package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/srg/rvlink/internal/device"
)

// Command-level errors
var (
	ErrNoPeripherals = errors.New("no peripherals configured")
)

// FormatUserError turns internal error chains into a message an operator can
// act on. Unknown errors are printed as-is.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Sprintf("%v (check the --config / --cache path)", err)
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth adapter is off or unavailable"
	case errors.Is(err, device.ErrAuthFailed):
		return fmt.Sprintf("%v (check pin / password)", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%v (check the peripheral family and characteristic overrides)", err)
	case errors.Is(err, ErrNoPeripherals):
		return "no peripherals configured; add at least one entry under 'peripherals:'"
	}
	return err.Error()
}
