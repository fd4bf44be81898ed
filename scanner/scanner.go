// Package scanner finds nearby peripherals and guesses which protocol family
// each one speaks from its advertised services. It backs the scan command,
// which helps fill in the peripherals section of the config.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/rvlink/internal/device"
)

// Result is the merged view of every advertisement from one address.
type Result struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
	// Family is empty when no known service was advertised.
	Family device.Family
	Seen   int
}

// ScanOptions configures a scan window.
type ScanOptions struct {
	Duration time.Duration
	// KnownOnly hides peripherals without a recognized family.
	KnownOnly bool
}

func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{Duration: 10 * time.Second}
}

// Scanner collects advertisements into per-address results.
type Scanner struct {
	source   device.Scanner
	families map[string]device.Family
	logger   *logrus.Logger

	results *hashmap.Map[string, *Result]
}

// NewScanner maps each service UUID in families to the family it identifies.
func NewScanner(source device.Scanner, families map[string]device.Family, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	normalized := make(map[string]device.Family, len(families))
	for uuid, fam := range families {
		normalized[device.NormalizeUUID(uuid)] = fam
	}
	return &Scanner{source: source, families: normalized, logger: logger}
}

// Scan runs one window and returns results ordered by signal strength.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) ([]Result, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	s.results = hashmap.New[string, *Result]()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	if err := s.source.Scan(ctx, s.handleAdvertisement); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	out := make([]Result, 0, s.results.Len())
	s.results.Range(func(_ string, r *Result) bool {
		if !opts.KnownOnly || r.Family != "" {
			out = append(out, *r)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	s.logger.WithField("device_count", len(out)).Info("BLE scan completed")
	return out, nil
}

// handleAdvertisement merges adv into the result for its address. The scan
// callback is serialized by the source, so the Result needs no lock.
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	r, existing := s.results.Get(adv.Address)
	if !existing {
		r = &Result{Address: adv.Address}
		s.results.Set(adv.Address, r)
	}
	r.Seen++
	r.RSSI = adv.RSSI
	r.Connectable = r.Connectable || adv.Connectable
	if adv.Name != "" {
		r.Name = adv.Name
	}
	for _, svc := range adv.Services {
		if !contains(r.Services, svc) {
			r.Services = append(r.Services, svc)
		}
		if fam, ok := s.families[svc]; ok {
			r.Family = fam
		}
	}

	if !existing {
		s.logger.WithFields(logrus.Fields{
			"address": r.Address,
			"name":    r.Name,
			"rssi":    r.RSSI,
			"family":  r.Family,
		}).Info("Discovered new device")
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
