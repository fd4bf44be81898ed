package testutils

import (
	"context"
	"sync"

	"github.com/srg/rvlink/internal/device"
)

// AdvertisementBuilder builds advertisements for scanner tests.
type AdvertisementBuilder struct {
	adv device.Advertisement
}

// NewAdvertisementBuilder starts from a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: device.Advertisement{Connectable: true}}
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

// WithServices adds service UUIDs in short or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.Services = append(b.adv.Services, device.NormalizeUUIDs(uuids)...)
	return b
}

func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.Connectable = connectable
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	adv.Services = append([]string(nil), b.adv.Services...)
	return adv
}

// FakeScanner replays a fixed list of advertisements, then waits for ctx.
type FakeScanner struct {
	Advertisements []device.Advertisement
	Err            error

	mu    sync.Mutex
	scans int
}

func (f *FakeScanner) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	f.mu.Lock()
	f.scans++
	f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, adv := range f.Advertisements {
		handler(adv)
	}
	<-ctx.Done()
	return nil
}

// Scans reports how many scan windows were opened.
func (f *FakeScanner) Scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}
