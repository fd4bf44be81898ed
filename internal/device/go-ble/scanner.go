package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/rvlink/internal/device"
)

var _ device.Scanner = (*BLETransport)(nil)

// Scan reports every advertisement, duplicates included, so RSSI stays fresh.
func (t *BLETransport) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	if err := t.init(); err != nil {
		return err
	}
	t.logger.Debug("Starting BLE scan...")

	err := ble.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(toAdvertisement(adv))
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	return nil
}

func toAdvertisement(adv ble.Advertisement) device.Advertisement {
	services := make([]string, 0, len(adv.Services()))
	for _, svc := range adv.Services() {
		services = append(services, device.NormalizeUUID(svc.String()))
	}
	addr, err := device.NormalizeAddress(adv.Addr().String())
	if err != nil {
		addr = adv.Addr().String()
	}
	return device.Advertisement{
		Address:     addr,
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    services,
	}
}
