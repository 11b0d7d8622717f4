package sim

import (
	"sync"

	"periphcore-go/hw"
	"periphcore-go/irq"
)

// SSI simulates a synchronous serial block. Every accepted word is exchanged
// with Respond (loopback when nil) and its reply is queued for reading.
type SSI struct {
	soc  *SoC
	name string
	src  irq.Source

	mu      sync.Mutex
	enabled bool
	clock   hw.ClockSource
	proto   hw.SPIProtocol
	role    hw.SPIRole
	baud    uint32
	width   uint8
	mask    hw.SSIInt
	raw     hw.SSIInt
	left    int
	rx      []uint32
	mosi    []uint32
	words   int

	// BusyPolls is how many Busy calls report true after each exchange.
	BusyPolls int
	// Respond returns the word the peripheral clocks back for tx.
	Respond func(tx uint32) uint32
}

var _ hw.SSIBlock = (*SSI)(nil)

func (b *SSI) Source() irq.Source { return b.src }

func (b *SSI) Enable() {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
	b.soc.record("%s: enable", b.name)
}

func (b *SSI) Disable() {
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
	b.soc.record("%s: disable", b.name)
}

func (b *SSI) SetClockSource(c hw.ClockSource) {
	b.mu.Lock()
	b.clock = c
	b.mu.Unlock()
	b.soc.record("%s: clock %d", b.name, c)
}

func (b *SSI) Configure(proto hw.SPIProtocol, role hw.SPIRole, baud uint32, width uint8) {
	b.mu.Lock()
	b.proto, b.role, b.baud, b.width = proto, role, baud, width
	b.mu.Unlock()
	b.soc.record("%s: configure %s %d %d", b.name, proto, baud, width)
}

func (b *SSI) IntEnable(m hw.SSIInt) {
	b.mu.Lock()
	b.mask |= m
	b.mu.Unlock()
	b.soc.record("%s: int enable %#x", b.name, uint32(m))
}

func (b *SSI) IntDisable(m hw.SSIInt) {
	b.mu.Lock()
	b.mask &^= m
	b.mu.Unlock()
	b.soc.record("%s: int disable %#x", b.name, uint32(m))
}

func (b *SSI) IntStatus(masked bool) hw.SSIInt {
	b.mu.Lock()
	defer b.mu.Unlock()
	if masked {
		return b.raw & b.mask
	}
	return b.raw
}

func (b *SSI) IntClear(m hw.SSIInt) {
	b.mu.Lock()
	b.raw &^= m
	b.mu.Unlock()
}

func (b *SSI) Busy() bool {
	b.mu.Lock()
	busy := b.left > 0
	if busy {
		b.left--
	}
	b.mu.Unlock()
	b.soc.record("%s: busy=%t", b.name, busy)
	return busy
}

func (b *SSI) PutNonBlocking(v uint32) bool {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return false
	}
	reply := v
	if b.Respond != nil {
		reply = b.Respond(v)
	}
	if b.width > 0 && b.width < 32 {
		reply &= 1<<b.width - 1
	}
	b.mosi = append(b.mosi, v)
	b.rx = append(b.rx, reply)
	b.words++
	b.left = b.BusyPolls
	b.mu.Unlock()
	b.soc.record("%s: put %#x", b.name, v)
	return true
}

func (b *SSI) GetNonBlocking() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.rx) == 0 {
		return 0, false
	}
	v := b.rx[0]
	b.rx = b.rx[1:]
	return v, true
}

// RaiseTxReady sets the transmit-FIFO cause and raises it if armed.
func (b *SSI) RaiseTxReady() { b.raise(hw.SSITXFF) }

// RaiseRxReady sets the receive-FIFO cause and raises it if armed.
func (b *SSI) RaiseRxReady() { b.raise(hw.SSIRXFF) }

// RaiseRxTimeout sets the receive-timeout cause and raises it if armed.
func (b *SSI) RaiseRxTimeout() { b.raise(hw.SSIRXTO) }

func (b *SSI) raise(m hw.SSIInt) {
	b.mu.Lock()
	b.raw |= m
	fire := b.mask&m != 0
	b.mu.Unlock()
	if fire {
		b.soc.NVIC.Raise(b.src)
	}
}

// MOSI returns every word written so far.
func (b *SSI) MOSI() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.mosi...)
}

// Words returns how many words were exchanged.
func (b *SSI) Words() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.words
}

// Settings returns the last configuration written.
func (b *SSI) Settings() (proto hw.SPIProtocol, role hw.SPIRole, baud uint32, width uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proto, b.role, b.baud, b.width
}
