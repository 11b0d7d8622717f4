package i2c

import (
	pi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"periphcore-go/errcode"
	"periphcore-go/osal"
)

// Bus serialises access to a Driver shared by several device drivers.
// Waiters are served in arrival order. Ownership of the bus is ownership of
// the driver lock: callers queue on mu, and the head of the queue then takes
// the driver lock, so a client using Driver.Lock directly still excludes
// every Bus user.
type Bus struct {
	d  *Driver
	mu *osal.Mutex
}

var _ drivers.I2C = (*Bus)(nil)

func NewBus(d *Driver) *Bus {
	return &Bus{d: d, mu: osal.NewMutex()}
}

func (b *Bus) Driver() *Driver { return b.d }

// Lock blocks until the caller owns the bus.
func (b *Bus) Lock() {
	b.mu.Lock()
	b.d.Lock()
}

// Unlock releases the bus to the next queued caller. Calling it without
// holding the bus is a programming error.
func (b *Bus) Unlock() {
	b.d.Unlock()
	b.mu.Unlock()
}

// Waiting reports how many callers are queued in Lock.
func (b *Bus) Waiting() int { return b.mu.Waiting() }

// Tx runs one locked transaction. addr is a 7-bit address.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return errcode.New(errcode.InvalidParams, "i2c.Bus.Tx", "10-bit addresses are not supported")
	}
	b.Lock()
	defer b.Unlock()
	return b.d.Tx(uint8(addr), w, r)
}

// PeriphBus exposes the bus through periph.io.
func (b *Bus) PeriphBus() pi2c.Bus { return periphBus{b} }

type periphBus struct{ b *Bus }

func (p periphBus) String() string { return p.b.d.Name() }

func (p periphBus) Tx(addr uint16, w, r []byte) error { return p.b.Tx(addr, w, r) }

func (p periphBus) Halt() error { return nil }

// SetSpeed re-enables the master at f, rounded down to whole hertz.
func (p periphBus) SetSpeed(f physic.Frequency) error {
	hz := f / physic.Hertz
	if hz <= 0 {
		return errcode.New(errcode.InvalidParams, "i2c.SetSpeed", f.String())
	}
	p.b.Lock()
	defer p.b.Unlock()
	return p.b.d.Enable(uint32(hz))
}
