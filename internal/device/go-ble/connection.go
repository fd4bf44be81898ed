package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/groutine"
)

// BLELink represents a live BLE connection to one peripheral (reads, writes, notifications)
type BLELink struct {
	client ble.Client
	id     device.PeripheralIdentity
	logger *logrus.Logger

	writeMutex sync.Mutex
	connMutex  sync.RWMutex
	closed     bool

	chars        map[string]*ble.Characteristic
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newBLELink(client ble.Client, id device.PeripheralIdentity, logger *logrus.Logger) *BLELink {
	l := &BLELink{
		client:       client,
		id:           id,
		logger:       logger,
		chars:        make(map[string]*ble.Characteristic),
		disconnected: make(chan struct{}),
	}

	// Monitor go-ble client Disconnected() channel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
			<-dc.Disconnected()
			l.logger.WithField("peripheral", id.String()).Warn("BLE stack reported disconnection")
			l.markDisconnected()
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}
	return l
}

func (l *BLELink) markDisconnected() {
	l.closeOnce.Do(func() { close(l.disconnected) })
}

// DiscoverServices walks the GATT profile and returns normalized service -> characteristic UUIDs.
func (l *BLELink) DiscoverServices(ctx context.Context) (map[string][]string, error) {
	l.connMutex.Lock()
	if l.closed {
		l.connMutex.Unlock()
		return nil, device.ErrNotConnected
	}
	client := l.client
	l.connMutex.Unlock()

	type result struct {
		profile *ble.Profile
		err     error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, "ble-discover-profile", func(context.Context) {
		p, err := client.DiscoverProfile(true)
		done <- result{p, err}
	})

	var res result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: service discovery: %v", device.ErrTimeout, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(res.err))
	}

	services := make(map[string][]string, len(res.profile.Services))
	chars := make(map[string]*ble.Characteristic)
	for _, svc := range res.profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		list := make([]string, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			charUUID := device.NormalizeUUID(c.UUID.String())
			list = append(list, charUUID)
			chars[charUUID] = c
		}
		services[svcUUID] = list
	}

	l.connMutex.Lock()
	l.chars = chars
	l.connMutex.Unlock()

	l.logger.WithFields(logrus.Fields{
		"peripheral":      l.id.String(),
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered")
	return services, nil
}

// ExchangeMTU negotiates the ATT MTU.
func (l *BLELink) ExchangeMTU(ctx context.Context, want int) (int, error) {
	client, err := l.liveClient()
	if err != nil {
		return 0, err
	}
	return runWithContext(ctx, "ble-exchange-mtu", func() (int, error) {
		mtu, err := client.ExchangeMTU(want)
		return mtu, NormalizeError(err)
	})
}

func (l *BLELink) ReadCharacteristic(ctx context.Context, charUUID string) ([]byte, error) {
	client, char, err := l.lookup(charUUID)
	if err != nil {
		return nil, err
	}
	return runWithContext(ctx, "ble-read", func() ([]byte, error) {
		data, err := client.ReadCharacteristic(char)
		return data, NormalizeError(err)
	})
}

func (l *BLELink) WriteCharacteristic(ctx context.Context, charUUID string, data []byte, withResponse bool) error {
	client, char, err := l.lookup(charUUID)
	if err != nil {
		return err
	}

	// Serialize writes: go-ble clients are not safe for concurrent ATT requests
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()

	_, err = runWithContext(ctx, "ble-write", func() (struct{}, error) {
		return struct{}{}, NormalizeError(client.WriteCharacteristic(char, data, !withResponse))
	})
	return err
}

func (l *BLELink) SetNotification(ctx context.Context, charUUID string, enabled bool, handler device.NotificationHandler) error {
	client, char, err := l.lookup(charUUID)
	if err != nil {
		return err
	}

	indicate := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
	normalized := device.NormalizeUUID(charUUID)

	_, err = runWithContext(ctx, "ble-subscribe", func() (struct{}, error) {
		if !enabled {
			return struct{}{}, NormalizeError(client.Unsubscribe(char, indicate))
		}
		return struct{}{}, NormalizeError(client.Subscribe(char, indicate, func(req []byte) {
			if handler != nil {
				handler(normalized, req)
			}
		}))
	})
	if err != nil {
		return fmt.Errorf("failed to set notification on %s: %w", device.ShortenUUID(normalized), err)
	}
	return nil
}

func (l *BLELink) Disconnected() <-chan struct{} {
	return l.disconnected
}

// Close is idempotent: a second call is a no-op.
func (l *BLELink) Close() error {
	l.connMutex.Lock()
	if l.closed {
		l.connMutex.Unlock()
		l.logger.Debug("Close called but link already closed")
		return nil
	}
	l.closed = true
	client := l.client
	l.connMutex.Unlock()

	if err := client.ClearSubscriptions(); err != nil {
		l.logger.WithField("error", err).Debug("Failed to clear subscriptions during close")
	}
	err := client.CancelConnection()
	l.markDisconnected()

	if err != nil {
		l.logger.WithField("error", err).Warn("BLE link closed with errors")
		return NormalizeError(err)
	}
	l.logger.WithField("peripheral", l.id.String()).Info("BLE link closed")
	return nil
}

func (l *BLELink) liveClient() (ble.Client, error) {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	if l.closed {
		return nil, device.ErrNotConnected
	}
	return l.client, nil
}

func (l *BLELink) lookup(charUUID string) (ble.Client, *ble.Characteristic, error) {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	if l.closed {
		return nil, nil, device.ErrNotConnected
	}
	char, ok := l.chars[device.NormalizeUUID(charUUID)]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
	}
	return l.client, char, nil
}

// runWithContext bounds a blocking go-ble call by ctx. The call itself cannot be
// interrupted; on timeout its result is discarded.
func runWithContext[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, name, func(context.Context) {
		v, err := fn()
		done <- result{v, err}
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", device.ErrTimeout, name, ctx.Err())
	case r := <-done:
		return r.v, r.err
	}
}
