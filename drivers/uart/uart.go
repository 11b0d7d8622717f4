// Package uart drives one UART block with its FIFO disabled.
//
// Single-byte ReadByte/WriteByte never wait: completion is reported by the
// RX and TX interrupts through the callbacks. Read and Write are the bulk
// synchronous variants and poll the block until each byte has moved.
//
// The data path has no internal locking. Callers sharing a UART across
// goroutines add their own exclusion, typically with TxLock/TxUnlock.
package uart

import (
	"go.uber.org/zap"

	"periphcore-go/drivers/internal/lifecycle"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
	"periphcore-go/osal"
)

// DefaultPriority is the controller priority used when Config.Priority is 0.
const DefaultPriority = 7 << 5

const allInts = hw.UARTIntRX | hw.UARTIntTX | hw.UARTIntRT

// Config is fixed at construction.
type Config struct {
	Name     string
	Periph   hw.PeriphID
	Source   irq.Source
	Clock    hw.ClockSource
	Priority uint8
	// SpinLimit bounds every busy poll. 0 selects osal.DefaultSpinLimit,
	// negative polls forever.
	SpinLimit int
	Logger    *zap.Logger
}

// Pins are routed to the block on Enable and parked low on Sleep.
type Pins struct {
	RX hw.PinBinding
	TX hw.PinBinding
}

type UART struct {
	cfg  Config
	pins Pins
	plat hw.Platform
	blk  hw.UARTBlock
	reg  *irq.Registry
	log  *zap.Logger
	spin int

	// Protocol parameters, written only by Enable.
	baud  uint32
	frame hw.Frame
	mode  hw.TxIntMode

	state lifecycle.Tracker
	rxCb  irq.Slot
	txCb  irq.Slot
	rxSig *osal.BinarySignal
	txSig *osal.BinarySignal
}

// New binds a driver to its block. Nothing is programmed until Enable.
func New(cfg Config, plat hw.Platform, blk hw.UARTBlock, reg *irq.Registry, pins Pins) (*UART, error) {
	if plat == nil || blk == nil || reg == nil {
		return nil, errcode.New(errcode.InvalidParams, "uart.New", "nil platform, block or registry")
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	return &UART{
		cfg:   cfg,
		pins:  pins,
		plat:  plat,
		blk:   blk,
		reg:   reg,
		log:   logging.OrNop(cfg.Logger).With(zap.String("uart", cfg.Name)),
		spin:  osal.SpinLimit(cfg.SpinLimit),
		rxSig: osal.NewBinarySignal(),
		txSig: osal.NewBinarySignal(),
	}, nil
}

func (u *UART) Name() string           { return u.cfg.Name }
func (u *UART) Source() irq.Source     { return u.cfg.Source }
func (u *UART) State() lifecycle.State { return u.state.Load() }

// Settings returns the stored protocol parameters.
func (u *UART) Settings() (baud uint32, frame hw.Frame, mode hw.TxIntMode) {
	return u.baud, u.frame, u.mode
}

// Enable stores the parameters and brings the block up.
func (u *UART) Enable(baud uint32, frame hw.Frame, mode hw.TxIntMode) error {
	if baud == 0 {
		return errcode.New(errcode.InvalidParams, "uart.Enable", "zero baud rate")
	}
	u.baud, u.frame, u.mode = baud, frame, mode
	u.configure()
	u.log.Debug("enabled", zap.Uint32("baud", baud), zap.Stringer("frame", frame), zap.Stringer("txint", mode))
	return nil
}

// Wakeup re-applies the parameters of the last Enable.
func (u *UART) Wakeup() error {
	if err := u.state.RequireStarted("uart.Wakeup"); err != nil {
		return err
	}
	u.configure()
	u.log.Debug("woken")
	return nil
}

func (u *UART) configure() {
	p := u.cfg.Periph
	u.plat.EnableClock(p)
	u.plat.SetSleepClock(p, true)
	u.plat.SetDeepSleepClock(p, false)

	u.blk.Disable()
	u.blk.SetClockSource(u.cfg.Clock)
	u.plat.ConfigPeriphInput(u.pins.RX)
	u.plat.ConfigPeriphOutput(u.pins.TX)
	u.blk.Configure(u.baud, u.frame)
	u.blk.DisableFIFO()
	u.blk.SetTxIntMode(u.mode)
	u.blk.Enable()
	u.state.Set(lifecycle.Enabled)
}

// Sleep waits for the transmitter to drain, disables the block and parks
// both pins as outputs driven low. Sleeping twice is a no-op.
func (u *UART) Sleep() error {
	switch u.state.Load() {
	case lifecycle.Disabled:
		return errcode.New(errcode.NotEnabled, "uart.Sleep", "disabled")
	case lifecycle.Sleeping:
		return nil
	}
	if err := osal.Spin(u.spin, func() bool { return !u.blk.Busy() }); err != nil {
		u.log.Warn("transmitter never went idle", zap.Error(err))
		return &errcode.E{C: errcode.Wedged, Op: "uart.Sleep", Err: err}
	}
	u.blk.Disable()
	for _, pin := range []hw.PinBinding{u.pins.RX, u.pins.TX} {
		u.plat.ConfigOutput(pin)
		u.plat.WritePin(pin, false)
	}
	u.state.Set(lifecycle.Sleeping)
	u.log.Debug("asleep")
	return nil
}

// ReadByte returns the received byte, or errcode.NoData.
func (u *UART) ReadByte() (byte, error) {
	if err := u.state.Require("uart.ReadByte"); err != nil {
		return 0, err
	}
	b, ok := u.blk.GetNonBlocking()
	if !ok {
		return 0, errcode.NoData
	}
	return b, nil
}

// WriteByte hands b to the transmitter, or fails with errcode.Busy.
func (u *UART) WriteByte(b byte) error {
	if err := u.state.Require("uart.WriteByte"); err != nil {
		return err
	}
	if !u.blk.PutNonBlocking(b) {
		return errcode.Busy
	}
	return nil
}

// Read fills p, polling for each byte.
func (u *UART) Read(p []byte) (int, error) {
	if err := u.state.Require("uart.Read"); err != nil {
		return 0, err
	}
	for i := range p {
		var v byte
		err := osal.Spin(u.spin, func() bool {
			var ok bool
			v, ok = u.blk.GetNonBlocking()
			return ok
		})
		if err != nil {
			return i, &errcode.E{C: errcode.Wedged, Op: "uart.Read", Msg: "receiver empty", Err: err}
		}
		p[i] = v
	}
	return len(p), nil
}

// Write sends p, waiting for the transmitter to go idle after each byte.
func (u *UART) Write(p []byte) (int, error) {
	if err := u.state.Require("uart.Write"); err != nil {
		return 0, err
	}
	for i, b := range p {
		if err := osal.Spin(u.spin, func() bool { return u.blk.PutNonBlocking(b) }); err != nil {
			return i, &errcode.E{C: errcode.Wedged, Op: "uart.Write", Msg: "transmitter full", Err: err}
		}
		if err := osal.Spin(u.spin, func() bool { return !u.blk.Busy() }); err != nil {
			return i, &errcode.E{C: errcode.Wedged, Op: "uart.Write", Msg: "transmitter busy", Err: err}
		}
	}
	return len(p), nil
}

// EnableInterrupts claims the source and arms RX, TX and receive timeout.
func (u *UART) EnableInterrupts() error {
	if err := u.state.RequireStarted("uart.EnableInterrupts"); err != nil {
		return err
	}
	if err := u.reg.Register(u.cfg.Source, u); err != nil {
		return err
	}
	u.blk.IntEnable(allInts)
	u.plat.SetPriority(u.cfg.Source, u.cfg.Priority)
	u.plat.EnableIRQ(u.cfg.Source)
	return nil
}

func (u *UART) DisableInterrupts() {
	u.blk.IntDisable(allInts)
	u.plat.DisableIRQ(u.cfg.Source)
}

// InterruptHandler runs in interrupt context. TX and RX causes are handled
// independently; both callbacks may run in one invocation.
func (u *UART) InterruptHandler() {
	st := u.blk.IntStatus(true)
	u.plat.ClearPending(u.cfg.Source)

	if st&hw.UARTIntTX != 0 {
		u.blk.IntClear(hw.UARTIntTX)
		u.txCb.Execute()
	}
	if st&(hw.UARTIntRX|hw.UARTIntRT) != 0 {
		u.blk.IntClear(hw.UARTIntRX | hw.UARTIntRT)
		u.rxCb.Execute()
	}
}

// SetRxCallback installs cb; nil clears the slot.
func (u *UART) SetRxCallback(cb irq.Callback) { u.rxCb.Set(cb) }
func (u *UART) SetTxCallback(cb irq.Callback) { u.txCb.Set(cb) }
func (u *UART) ClearRxCallback()              { u.rxCb.Clear() }
func (u *UART) ClearTxCallback()              { u.txCb.Clear() }

// RxLock parks the caller until an RX unlock. A typical RX callback calls
// RxUnlockFromInterrupt.
func (u *UART) RxLock()                { u.rxSig.Take() }
func (u *UART) RxUnlock()              { u.rxSig.Give() }
func (u *UART) RxUnlockFromInterrupt() { u.rxSig.GiveFromInterrupt() }

func (u *UART) TxLock()                { u.txSig.Take() }
func (u *UART) TxUnlock()              { u.txSig.Give() }
func (u *UART) TxUnlockFromInterrupt() { u.txSig.GiveFromInterrupt() }
