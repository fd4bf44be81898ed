package main

import (
	"fmt"

	"github.com/srg/rvlink/internal/device"
	"github.com/srg/rvlink/internal/protocol/ascii"
	"github.com/srg/rvlink/internal/protocol/bus"
	"github.com/srg/rvlink/internal/protocol/jsonctl"
	"github.com/srg/rvlink/internal/session"
	"github.com/srg/rvlink/pkg/config"
)

// buildPeripherals maps validated peripheral config onto supervised
// peripherals. Each NewProtocol call returns a fresh instance, since protocol
// state must not leak from one connection into the next.
func buildPeripherals(cfg *config.Config) ([]session.Peripheral, error) {
	if len(cfg.Peripherals) == 0 {
		return nil, ErrNoPeripherals
	}

	out := make([]session.Peripheral, 0, len(cfg.Peripherals))
	for i, pc := range cfg.Peripherals {
		id, err := pc.Identity()
		if err != nil {
			return nil, fmt.Errorf("peripherals[%d]: %w", i, err)
		}
		factory, err := protocolFactory(id.Family, pc)
		if err != nil {
			return nil, fmt.Errorf("peripherals[%d]: %w", i, err)
		}
		out = append(out, session.Peripheral{
			Identity:       id,
			NewProtocol:    factory,
			MTU:            pc.MTU,
			ConnectTimeout: pc.ConnectTimeout,
		})
	}
	return out, nil
}

func protocolFactory(family device.Family, pc config.PeripheralConfig) (func() session.Protocol, error) {
	switch family {
	case device.FamilyBus:
		unlock, err := config.Constant(pc.UnlockConstant, bus.DefaultUnlockConstant)
		if err != nil {
			return nil, err
		}
		sessionConst, err := config.Constant(pc.SessionConstant, bus.DefaultSessionConstant)
		if err != nil {
			return nil, err
		}
		cfg := bus.Config{
			PIN:             pc.PIN,
			UnlockConstant:  unlock,
			SessionConstant: sessionConst,
			Characteristics: pc.Characteristics,
		}
		return func() session.Protocol { return bus.New(cfg) }, nil

	case device.FamilyJSONCtl:
		cfg := jsonctl.Config{
			Password:        pc.Password,
			Zones:           pc.Zones,
			PollInterval:    pc.PollInterval,
			Characteristics: pc.Characteristics,
		}
		return func() session.Protocol { return jsonctl.New(cfg) }, nil

	case device.FamilyASCII:
		cfg := ascii.Config{
			PollInterval:    pc.PollInterval,
			Characteristics: pc.Characteristics,
		}
		return func() session.Protocol { return ascii.New(cfg) }, nil
	}
	return nil, fmt.Errorf("unsupported family %q", family)
}
