package platform

import (
	"periphcore-go/config"
	"periphcore-go/hw/sim"
	"periphcore-go/irq"
)

// Sim is a simulated chip laid out after a board config, with the targets
// attached to its I2C buses.
type Sim struct {
	*sim.SoC
	AHT20    map[string]*sim.AHT20
	RegFiles map[string]*sim.RegisterFile
}

// NewSim creates one simulated block per config entry, named by its id, and
// attaches a model for every listed I2C device. UART transmitters loop back
// into their receivers when loopback is set.
func NewSim(cfg *config.Board, reg *irq.Registry, loopback bool) *Sim {
	s := &Sim{
		SoC:      sim.New(reg.Dispatch),
		AHT20:    map[string]*sim.AHT20{},
		RegFiles: map[string]*sim.RegisterFile{},
	}
	for _, p := range cfg.Ports {
		s.AddGPIOPort(p.Port, p.Source)
	}
	for _, u := range cfg.UARTs {
		s.AddUART(u.ID, u.Source).Loopback = loopback
	}
	for _, c := range cfg.SPIs {
		s.AddSSI(c.ID, c.Source)
	}
	for _, c := range cfg.I2Cs {
		blk := s.AddI2C(c.ID, c.Source)
		for _, d := range c.Devices {
			switch d.Kind {
			case "aht20":
				t := sim.NewAHT20()
				t.SetDeci(215, 400)
				s.AHT20[d.ID] = t
				blk.Attach(d.Addr, t)
			case "regfile":
				t := &sim.RegisterFile{}
				s.RegFiles[d.ID] = t
				blk.Attach(d.Addr, t)
			}
		}
	}
	return s
}
