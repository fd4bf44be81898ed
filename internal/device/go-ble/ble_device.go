package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// BLETransport opens go-ble links. The host controller is created lazily on
// first Connect and shared by every link afterwards.
type BLETransport struct {
	logger *logrus.Logger

	initOnce sync.Once
	initErr  error
}

// NewBLETransport creates a transport bound to the default host controller.
func NewBLETransport(logger *logrus.Logger) *BLETransport {
	return &BLETransport{logger: logger}
}

func (t *BLETransport) init() error {
	t.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			t.logger.WithField("error", err).Error("Failed to create BLE device")
			t.initErr = fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return t.initErr
}

// Connect dials the peripheral. Service discovery is left to the caller.
func (t *BLETransport) Connect(ctx context.Context, id device.PeripheralIdentity) (device.Link, error) {
	if id.Address == "" {
		t.logger.Error("Connection attempt with empty address")
		return nil, fmt.Errorf("device address is empty")
	}
	if err := t.init(); err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"address": id.Address,
		"family":  id.Family,
	}).Info("Connecting to BLE device...")

	client, err := ble.Dial(ctx, ble.NewAddr(id.Address))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": id.Address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", id.Address, NormalizeError(err))
	}

	return newBLELink(client, id, t.logger), nil
}
