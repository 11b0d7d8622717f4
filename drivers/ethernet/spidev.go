package ethernet

import (
	"sync"

	"go.uber.org/atomic"

	"periphcore-go/errcode"
	"periphcore-go/irq"
)

// Controller opcodes. Every command is sent in one chip-select window.
const (
	opInit  = 0x01
	opWrite = 0x02
	opRxLen = 0x03
	opRead  = 0x04
)

// DefaultMaxLen is the longest frame accepted when MaxLen is 0.
const DefaultMaxLen = 1518

// Transfer is the lower SPI driver the controller hangs off; *spi.SPI
// satisfies it.
type Transfer interface {
	Select()
	Deselect()
	Tx(w, r []byte) error
}

// SPIDevice is a Device for an SPI-attached MAC/PHY. The controller's INT
// output must be routed to Interrupt, usually as the callback of a falling
// edge gpio.In.
type SPIDevice struct {
	bus    Transfer
	mu     sync.Mutex
	up     atomic.Bool
	cb     irq.Slot
	MaxLen int // 0 means DefaultMaxLen
}

var _ Device = (*SPIDevice)(nil)

func NewSPIDevice(bus Transfer) *SPIDevice { return &SPIDevice{bus: bus} }

// command runs one opcode and its operands inside a chip-select window.
// d.mu must be held.
func (d *SPIDevice) command(w, r []byte) error {
	d.bus.Select()
	err := d.bus.Tx(w, r)
	d.bus.Deselect()
	return err
}

func (d *SPIDevice) Init(mac MAC) error {
	cmd := append([]byte{opInit}, mac[:]...)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.command(cmd, nil); err != nil {
		return err
	}
	d.up.Store(true)
	return nil
}

func (d *SPIDevice) SetCallback(cb irq.Callback) { d.cb.Set(cb) }

// Interrupt runs in interrupt context.
func (d *SPIDevice) Interrupt() { d.cb.Execute() }

func (d *SPIDevice) TransmitFrame(frame []byte) error {
	if !d.up.Load() {
		return errcode.New(errcode.NotEnabled, "ethernet.TransmitFrame", "not initialised")
	}
	limit := d.MaxLen
	if limit == 0 {
		limit = DefaultMaxLen
	}
	if len(frame) == 0 || len(frame) > limit {
		return errcode.New(errcode.InvalidParams, "ethernet.TransmitFrame", "bad frame length")
	}
	cmd := make([]byte, 3, 3+len(frame))
	cmd[0], cmd[1], cmd[2] = opWrite, byte(len(frame)>>8), byte(len(frame))
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.command(append(cmd, frame...), nil)
}

// ReceiveFrame reads the oldest pending frame. A frame that does not fit in
// buf stays queued.
func (d *SPIDevice) ReceiveFrame(buf []byte) (int, error) {
	if !d.up.Load() {
		return 0, errcode.New(errcode.NotEnabled, "ethernet.ReceiveFrame", "not initialised")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var hdr [3]byte
	if err := d.command([]byte{opRxLen}, hdr[:]); err != nil {
		return 0, err
	}
	n := int(hdr[1])<<8 | int(hdr[2])
	if n == 0 {
		return 0, errcode.NoData
	}
	if len(buf) < n {
		return 0, errcode.New(errcode.InvalidParams, "ethernet.ReceiveFrame", "buffer too small")
	}
	r := make([]byte, 1+n)
	if err := d.command([]byte{opRead}, r); err != nil {
		return 0, err
	}
	return copy(buf, r[1:]), nil
}
