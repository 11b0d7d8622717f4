package sim

import (
	"sync"

	"periphcore-go/hw"
	"periphcore-go/irq"
)

// GPIOPort simulates the edge detector and interrupt registers of one port.
// Pin levels live in the SoC and change through SoC.Drive.
type GPIOPort struct {
	soc  *SoC
	port uint8
	src  irq.Source

	mu   sync.Mutex
	trig [8]hw.Edge
	en   uint8
	raw  uint8
}

var _ hw.GPIOPort = (*GPIOPort)(nil)

// Source returns the port-level interrupt line.
func (p *GPIOPort) Source() irq.Source { return p.src }

func (p *GPIOPort) SetIntType(mask uint8, e hw.Edge) {
	p.mu.Lock()
	for i := 0; i < 8; i++ {
		if mask&(1<<i) != 0 {
			p.trig[i] = e
		}
	}
	p.mu.Unlock()
	p.soc.record("port %c: int type %#02x %s", 'A'+rune(p.port), mask, e)
}

func (p *GPIOPort) PinIntEnable(mask uint8) {
	p.mu.Lock()
	p.en |= mask
	p.mu.Unlock()
	p.soc.record("port %c: int enable %#02x", 'A'+rune(p.port), mask)
}

func (p *GPIOPort) PinIntDisable(mask uint8) {
	p.mu.Lock()
	p.en &^= mask
	p.mu.Unlock()
	p.soc.record("port %c: int disable %#02x", 'A'+rune(p.port), mask)
}

func (p *GPIOPort) PinIntClear(mask uint8) {
	p.mu.Lock()
	p.raw &^= mask
	p.mu.Unlock()
}

func (p *GPIOPort) PinIntStatus(masked bool) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if masked {
		return p.raw & p.en
	}
	return p.raw
}

func (p *GPIOPort) detect(pin uint8, old, level bool) {
	bit := uint8(1) << (pin & 7)
	p.mu.Lock()
	hit := false
	switch p.trig[pin&7] {
	case hw.EdgeRising:
		hit = !old && level
	case hw.EdgeFalling:
		hit = old && !level
	case hw.EdgeBoth:
		hit = old != level
	case hw.LevelHigh:
		hit = level
	case hw.LevelLow:
		hit = !level
	}
	if hit {
		p.raw |= bit
	}
	fire := hit && p.en&bit != 0
	p.mu.Unlock()
	if fire {
		p.soc.NVIC.Raise(p.src)
	}
}
