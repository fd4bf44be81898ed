package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/rvlink/internal/device"
	"github.com/stretchr/testify/mock"
)

// WriteRecord is one characteristic write seen by MockLink.
type WriteRecord struct {
	UUID string
	Data []byte
	Ack  bool
}

// MockLink is a testify mock of device.Link. Expectations are matched without
// the context argument:
//
//	link.On("DiscoverServices").Return(services, nil)
//	link.On("ExchangeMTU", 185).Return(185, nil)
//	link.On("ReadCharacteristic", uuid).Return(data, nil)
//	link.On("WriteCharacteristic", uuid, data, true).Return(nil)
//	link.On("SetNotification", uuid, true).Return(nil)
//
// Notification handlers registered through SetNotification are kept so tests
// can push inbound bytes with Notify. Close and Disconnected are not mocked.
type MockLink struct {
	mock.Mock

	mu           sync.Mutex
	handlers     map[string]device.NotificationHandler
	writes       []WriteRecord
	closes       int
	disconnected chan struct{}
	dropOnce     sync.Once
}

func NewMockLink() *MockLink {
	return &MockLink{
		handlers:     make(map[string]device.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

// ExpectProfile stubs DiscoverServices with one service holding chars.
func (m *MockLink) ExpectProfile(service string, chars ...string) *MockLink {
	m.On("DiscoverServices").Return(map[string][]string{
		device.NormalizeUUID(service): device.NormalizeUUIDs(chars),
	}, nil)
	return m
}

func (m *MockLink) DiscoverServices(context.Context) (map[string][]string, error) {
	args := m.Called()
	services, _ := args.Get(0).(map[string][]string)
	return services, args.Error(1)
}

func (m *MockLink) ExchangeMTU(_ context.Context, want int) (int, error) {
	args := m.Called(want)
	return args.Int(0), args.Error(1)
}

func (m *MockLink) ReadCharacteristic(_ context.Context, charUUID string) ([]byte, error) {
	args := m.Called(charUUID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockLink) WriteCharacteristic(_ context.Context, charUUID string, data []byte, withResponse bool) error {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.writes = append(m.writes, WriteRecord{UUID: charUUID, Data: cp, Ack: withResponse})
	m.mu.Unlock()
	return m.Called(charUUID, cp, withResponse).Error(0)
}

func (m *MockLink) SetNotification(_ context.Context, charUUID string, enabled bool, handler device.NotificationHandler) error {
	if err := m.Called(charUUID, enabled).Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		m.handlers[device.NormalizeUUID(charUUID)] = handler
	} else {
		delete(m.handlers, device.NormalizeUUID(charUUID))
	}
	return nil
}

func (m *MockLink) Disconnected() <-chan struct{} {
	return m.disconnected
}

func (m *MockLink) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

// Notify delivers data as a notification on charUUID. It fails when nothing
// subscribed to the characteristic.
func (m *MockLink) Notify(charUUID string, data []byte) error {
	uuid := device.NormalizeUUID(charUUID)
	m.mu.Lock()
	h, ok := m.handlers[uuid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no notification handler for %s", uuid)
	}
	h(uuid, append([]byte(nil), data...))
	return nil
}

// Subscribed reports whether notifications are enabled on charUUID.
func (m *MockLink) Subscribed(charUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[device.NormalizeUUID(charUUID)]
	return ok
}

// Drop simulates the peripheral going away.
func (m *MockLink) Drop() {
	m.dropOnce.Do(func() { close(m.disconnected) })
}

// Writes returns every write so far, in order.
func (m *MockLink) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteRecord(nil), m.writes...)
}

// WritesTo returns the payloads written to one characteristic.
func (m *MockLink) WritesTo(charUUID string) [][]byte {
	uuid := device.NormalizeUUID(charUUID)
	var out [][]byte
	for _, w := range m.Writes() {
		if device.NormalizeUUID(w.UUID) == uuid {
			out = append(out, w.Data)
		}
	}
	return out
}

// Closes returns how many times Close was called.
func (m *MockLink) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// StaticTransport hands out a fixed link, or fails every connect with Err.
type StaticTransport struct {
	mu    sync.Mutex
	Link  device.Link
	Err   error
	dials int
}

func (t *StaticTransport) Connect(context.Context, device.PeripheralIdentity) (device.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.Err != nil {
		return nil, t.Err
	}
	return t.Link, nil
}

// Dials returns how many connects were attempted.
func (t *StaticTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}
