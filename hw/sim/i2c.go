package sim

import (
	"fmt"
	"sync"
	"time"

	"periphcore-go/hw"
	"periphcore-go/irq"
)

// Target is a simulated device on an I2C bus.
type Target interface {
	// Start begins a transfer in the given direction.
	Start(receive bool)
	// Write receives one byte from the master and reports ACK.
	Write(b byte) bool
	// Read returns the next byte for the master.
	Read() byte
	Stop()
}

// RegisterFile is a Target with 256 byte-wide registers. The first byte of a
// write selects the register pointer; further bytes are stored with
// auto-increment. Reads continue from the pointer.
type RegisterFile struct {
	mu    sync.Mutex
	regs  [256]byte
	ptr   byte
	first bool
}

func (r *RegisterFile) Start(receive bool) {
	r.mu.Lock()
	r.first = !receive
	r.mu.Unlock()
}

func (r *RegisterFile) Write(b byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.first {
		r.ptr, r.first = b, false
		return true
	}
	r.regs[r.ptr] = b
	r.ptr++
	return true
}

func (r *RegisterFile) Read() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.regs[r.ptr]
	r.ptr++
	return b
}

func (r *RegisterFile) Stop() {}

// Set stores v at reg.
func (r *RegisterFile) Set(reg, v byte) {
	r.mu.Lock()
	r.regs[reg] = v
	r.mu.Unlock()
}

// Get returns the value at reg.
func (r *RegisterFile) Get(reg byte) byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[reg]
}

// I2C simulates an I2C master. Each Control command runs its bus phase at
// once; completion is signalled by the master interrupt, either synchronously
// or after Latency on another goroutine.
type I2C struct {
	soc  *SoC
	name string
	src  irq.Source

	mu      sync.Mutex
	enabled bool
	baud    uint32
	addr    uint8
	recv    bool
	data    byte
	rxData  byte
	err     hw.I2CErr
	mask    bool
	raw     bool
	left    int
	cur     Target
	targets map[uint8]Target
	log     []string

	// BusyPolls is how many Busy calls report true after each command.
	BusyPolls int
	// Latency delays completion interrupts when non-zero.
	Latency time.Duration
}

var _ hw.I2CMaster = (*I2C)(nil)

func (b *I2C) Source() irq.Source { return b.src }

// Attach places t on the bus at 7-bit address addr.
func (b *I2C) Attach(addr uint8, t Target) {
	b.mu.Lock()
	b.targets[addr] = t
	b.mu.Unlock()
}

func (b *I2C) MasterEnable() {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
	b.soc.record("%s: master enable", b.name)
}

func (b *I2C) MasterDisable() {
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
	b.soc.record("%s: master disable", b.name)
}

func (b *I2C) InitClock(baud uint32) {
	b.mu.Lock()
	b.baud = baud
	b.mu.Unlock()
	b.soc.record("%s: clock %d", b.name, baud)
}

func (b *I2C) SetSlaveAddr(addr uint8, receive bool) {
	b.mu.Lock()
	b.addr, b.recv = addr, receive
	b.mu.Unlock()
}

func (b *I2C) DataPut(v byte) {
	b.mu.Lock()
	b.data = v
	b.mu.Unlock()
}

func (b *I2C) DataGet() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rxData
}

func (b *I2C) Control(cmd hw.I2CCmd) {
	b.mu.Lock()
	b.err = 0
	if cmd.Starts() {
		t, ok := b.targets[b.addr]
		if !ok {
			b.cur = nil
			b.err = hw.I2CErrAddrAck
		} else {
			b.cur = t
			t.Start(b.recv)
		}
	}
	if b.cur != nil && b.err == 0 {
		switch {
		case cmd.Sends():
			if !b.cur.Write(b.data) {
				b.err = hw.I2CErrDataAck
			}
			b.log = append(b.log, fmt.Sprintf("%#02x w %#02x", b.addr, b.data))
		case cmd.Receives():
			b.rxData = b.cur.Read()
			b.log = append(b.log, fmt.Sprintf("%#02x r %#02x", b.addr, b.rxData))
		}
	}
	if cmd.Stops() && b.cur != nil {
		b.cur.Stop()
		b.cur = nil
	}
	b.left = b.BusyPolls
	b.raw = true
	fire := b.mask
	latency := b.Latency
	b.mu.Unlock()

	if !fire {
		return
	}
	if latency > 0 {
		go func() {
			time.Sleep(latency)
			b.soc.NVIC.Raise(b.src)
		}()
		return
	}
	b.soc.NVIC.Raise(b.src)
}

func (b *I2C) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.left > 0 {
		b.left--
		return true
	}
	return false
}

func (b *I2C) BusBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur != nil
}

func (b *I2C) Err() hw.I2CErr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *I2C) IntEnable() {
	b.mu.Lock()
	b.mask = true
	b.mu.Unlock()
	b.soc.record("%s: int enable", b.name)
}

func (b *I2C) IntDisable() {
	b.mu.Lock()
	b.mask = false
	b.mu.Unlock()
	b.soc.record("%s: int disable", b.name)
}

func (b *I2C) IntStatus(masked bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if masked {
		return b.raw && b.mask
	}
	return b.raw
}

func (b *I2C) IntClear() {
	b.mu.Lock()
	b.raw = false
	b.mu.Unlock()
}

// Transfers returns the byte-level log ("0x48 w 0x01").
func (b *I2C) Transfers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

// Baud returns the configured bus speed.
func (b *I2C) Baud() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baud
}
