package sim

import (
	"sync"

	"periphcore-go/hw"
	"periphcore-go/irq"
)

// UART simulates a UART with its FIFO disabled: one byte in the shifter at a
// time, one receive holding slot per injected byte.
//
// Time advances one step on every Busy, PutNonBlocking and GetNonBlocking
// call. A written byte stays in the shifter for BusyPolls steps, then lands on
// the wire and sets the TX cause.
type UART struct {
	soc  *SoC
	name string
	src  irq.Source

	mu       sync.Mutex
	enabled  bool
	fifo     bool
	clock    hw.ClockSource
	baud     uint32
	frame    hw.Frame
	txMode   hw.TxIntMode
	mask     hw.UARTInt
	raw      hw.UARTInt
	shifting bool
	shiftVal byte
	left     int
	rx       []byte
	wire     []byte

	// BusyPolls is how many steps a byte occupies the transmitter.
	BusyPolls int
	// Loopback feeds transmitted bytes back into the receiver.
	Loopback bool
}

var _ hw.UARTBlock = (*UART)(nil)

// Source returns the UART's interrupt line.
func (u *UART) Source() irq.Source { return u.src }

func (u *UART) Enable() {
	u.mu.Lock()
	u.enabled = true
	u.mu.Unlock()
	u.soc.record("%s: enable", u.name)
}

func (u *UART) Disable() {
	u.mu.Lock()
	u.enabled = false
	u.mu.Unlock()
	u.soc.record("%s: disable", u.name)
}

func (u *UART) SetClockSource(c hw.ClockSource) {
	u.mu.Lock()
	u.clock = c
	u.mu.Unlock()
	u.soc.record("%s: clock %d", u.name, c)
}

func (u *UART) Configure(baud uint32, frame hw.Frame) {
	u.mu.Lock()
	u.baud, u.frame = baud, frame
	u.mu.Unlock()
	u.soc.record("%s: configure %d %s", u.name, baud, frame)
}

func (u *UART) DisableFIFO() {
	u.mu.Lock()
	u.fifo = false
	u.mu.Unlock()
	u.soc.record("%s: fifo off", u.name)
}

func (u *UART) SetTxIntMode(m hw.TxIntMode) {
	u.mu.Lock()
	u.txMode = m
	u.mu.Unlock()
	u.soc.record("%s: txint %s", u.name, m)
}

func (u *UART) IntEnable(m hw.UARTInt) {
	u.mu.Lock()
	u.mask |= m
	u.mu.Unlock()
	u.soc.record("%s: int enable %#x", u.name, uint32(m))
}

func (u *UART) IntDisable(m hw.UARTInt) {
	u.mu.Lock()
	u.mask &^= m
	u.mu.Unlock()
	u.soc.record("%s: int disable %#x", u.name, uint32(m))
}

func (u *UART) IntStatus(masked bool) hw.UARTInt {
	u.mu.Lock()
	defer u.mu.Unlock()
	if masked {
		return u.raw & u.mask
	}
	return u.raw
}

func (u *UART) IntClear(m hw.UARTInt) {
	u.mu.Lock()
	u.raw &^= m
	u.mu.Unlock()
}

func (u *UART) Busy() bool {
	busy, fire := u.step()
	u.raiseIf(fire)
	u.soc.record("%s: busy=%t", u.name, busy)
	return busy
}

func (u *UART) PutNonBlocking(b byte) bool {
	_, fire := u.step()
	u.raiseIf(fire)

	u.mu.Lock()
	if !u.enabled || u.shifting {
		u.mu.Unlock()
		return false
	}
	u.shifting, u.shiftVal, u.left = true, b, u.BusyPolls
	u.mu.Unlock()
	u.soc.record("%s: put %#02x", u.name, b)

	// Zero-length transmissions complete at once.
	_, fire = u.finishIfDue()
	u.raiseIf(fire)
	return true
}

func (u *UART) GetNonBlocking() (byte, bool) {
	_, fire := u.step()
	u.raiseIf(fire)

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.rx) == 0 {
		return 0, false
	}
	b := u.rx[0]
	u.rx = u.rx[1:]
	return b, true
}

// step advances time by one poll. It reports whether the transmitter is
// still busy and whether an interrupt should be raised.
func (u *UART) step() (busy, fire bool) {
	u.mu.Lock()
	if u.shifting && u.left > 0 {
		u.left--
	}
	u.mu.Unlock()
	return u.finishIfDue()
}

func (u *UART) finishIfDue() (busy, fire bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.shifting {
		return false, false
	}
	if u.left > 0 {
		return true, false
	}
	return false, u.completeLocked()
}

func (u *UART) completeLocked() bool {
	u.shifting = false
	u.wire = append(u.wire, u.shiftVal)
	fire := false
	if u.Loopback {
		u.rx = append(u.rx, u.shiftVal)
		u.raw |= hw.UARTIntRX
		fire = u.mask&hw.UARTIntRX != 0
	}
	u.raw |= hw.UARTIntTX
	return fire || u.mask&hw.UARTIntTX != 0
}

func (u *UART) raiseIf(fire bool) {
	if fire {
		u.soc.NVIC.Raise(u.src)
	}
}

// CompleteTx forces the byte in the shifter onto the wire and raises the
// transmit interrupt if it is armed.
func (u *UART) CompleteTx() {
	u.mu.Lock()
	fire := false
	if u.shifting {
		fire = u.completeLocked()
	}
	u.mu.Unlock()
	u.raiseIf(fire)
}

// Inject delivers bytes to the receiver, raising one RX interrupt per byte.
func (u *UART) Inject(data ...byte) {
	for _, b := range data {
		u.mu.Lock()
		u.rx = append(u.rx, b)
		u.raw |= hw.UARTIntRX
		fire := u.mask&hw.UARTIntRX != 0
		u.mu.Unlock()
		u.raiseIf(fire)
	}
}

// InjectTimeout raises the receive-timeout cause.
func (u *UART) InjectTimeout() {
	u.mu.Lock()
	u.raw |= hw.UARTIntRT
	fire := u.mask&hw.UARTIntRT != 0
	u.mu.Unlock()
	u.raiseIf(fire)
}

// Wire returns every byte that has left the transmitter.
func (u *UART) Wire() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.wire...)
}

// Settings returns the last configuration written.
func (u *UART) Settings() (baud uint32, frame hw.Frame, fifo bool, mode hw.TxIntMode) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.baud, u.frame, u.fifo, u.txMode
}

// Enabled reports the block enable bit.
func (u *UART) Enabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.enabled
}
