package main

import (
	"fmt"

	"bytemomo/ecmaster/internal/config"
	"bytemomo/ecmaster/internal/sim"
)

func buildSegment(cfg *config.Simulate) (*sim.Segment, error) {
	devices := make([]*sim.Device, 0, len(cfg.Slaves))
	for i, s := range cfg.Slaves {
		var dev *sim.Device
		switch s.Kind {
		case config.KindCoupler:
			dev = sim.NewCoupler(s.Name)
		case config.KindInputs:
			dev = sim.NewDigitalInputs(s.Name, s.Size)
		case config.KindOutputs:
			dev = sim.NewDigitalOutputs(s.Name, s.Size)
		case config.KindServo:
			dev, _ = sim.NewServo(s.Name, sim.IdentityEL7)
		default:
			return nil, fmt.Errorf("simulated slave %d: unknown kind %q", i, s.Kind)
		}
		devices = append(devices, dev)
	}
	return sim.NewSegment(devices...), nil
}
