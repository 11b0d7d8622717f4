// Package i2c drives one I2C master block and provides the FIFO-fair bus
// wrapper that serialises transactions from several goroutines.
//
// Every master command either parks the caller on a completion signal given
// by the interrupt handler (after EnableInterrupts) or polls the busy flag.
package i2c

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/drivers/internal/lifecycle"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
	"periphcore-go/osal"
)

// DefaultBaud is the standard-mode bus speed used when Enable gets 0.
const DefaultBaud = 100_000

// DefaultPriority is the controller priority used when Config.Priority is 0.
const DefaultPriority = 7 << 5

type Config struct {
	Name      string
	Periph    hw.PeriphID
	Source    irq.Source
	Priority  uint8
	SpinLimit int
	Logger    *zap.Logger
}

type Pins struct {
	SCL hw.PinBinding
	SDA hw.PinBinding
}

type Driver struct {
	cfg  Config
	pins Pins
	plat hw.Platform
	blk  hw.I2CMaster
	reg  *irq.Registry
	log  *zap.Logger
	spin int

	baud  uint32
	state lifecycle.Tracker
	armed atomic.Bool
	lock  *osal.BinarySignal
	done  *osal.BinarySignal
}

func New(cfg Config, plat hw.Platform, blk hw.I2CMaster, reg *irq.Registry, pins Pins) (*Driver, error) {
	if plat == nil || blk == nil || reg == nil {
		return nil, errcode.New(errcode.InvalidParams, "i2c.New", "nil platform, block or registry")
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	return &Driver{
		cfg:  cfg,
		pins: pins,
		plat: plat,
		blk:  blk,
		reg:  reg,
		log:  logging.OrNop(cfg.Logger).With(zap.String("i2c", cfg.Name)),
		spin: osal.SpinLimit(cfg.SpinLimit),
		lock: osal.NewGivenBinarySignal(),
		done: osal.NewBinarySignal(),
	}, nil
}

func (d *Driver) Name() string           { return d.cfg.Name }
func (d *Driver) Source() irq.Source     { return d.cfg.Source }
func (d *Driver) State() lifecycle.State { return d.state.Load() }
func (d *Driver) Baud() uint32           { return d.baud }

// Enable brings the master up at baud (DefaultBaud when 0).
func (d *Driver) Enable(baud uint32) error {
	if baud == 0 {
		baud = DefaultBaud
	}
	d.baud = baud
	d.configure()
	d.log.Debug("enabled", zap.Uint32("baud", baud))
	return nil
}

// Wakeup re-applies the speed of the last Enable.
func (d *Driver) Wakeup() error {
	if err := d.state.RequireStarted("i2c.Wakeup"); err != nil {
		return err
	}
	d.configure()
	return nil
}

func (d *Driver) configure() {
	p := d.cfg.Periph
	d.plat.EnableClock(p)
	d.plat.SetSleepClock(p, true)
	d.plat.SetDeepSleepClock(p, false)

	for _, pin := range []hw.PinBinding{d.pins.SCL, d.pins.SDA} {
		d.plat.ConfigPeriphOutput(pin)
		d.plat.ConfigPeriphInput(pin)
	}
	d.blk.MasterEnable()
	d.blk.InitClock(d.baud)
	d.state.Set(lifecycle.Enabled)
}

// Sleep waits for the master to go idle and disables it. SCL and SDA are
// released as inputs so the pull-ups keep the bus idle.
func (d *Driver) Sleep() error {
	switch d.state.Load() {
	case lifecycle.Disabled:
		return errcode.New(errcode.NotEnabled, "i2c.Sleep", "disabled")
	case lifecycle.Sleeping:
		return nil
	}
	if err := osal.Spin(d.spin, func() bool { return !d.blk.Busy() }); err != nil {
		d.log.Warn("master never went idle", zap.Error(err))
		return &errcode.E{C: errcode.Wedged, Op: "i2c.Sleep", Err: err}
	}
	d.blk.MasterDisable()
	d.plat.ConfigInput(d.pins.SCL)
	d.plat.ConfigInput(d.pins.SDA)
	d.state.Set(lifecycle.Sleeping)
	return nil
}

// Lock takes exclusive use of the driver. The lock starts available. A Bus
// built on the driver takes the same lock, so holders of either exclude each
// other.
func (d *Driver) Lock()                { d.lock.Take() }
func (d *Driver) Unlock()              { d.lock.Give() }
func (d *Driver) UnlockFromInterrupt() { d.lock.GiveFromInterrupt() }

// ReadByte receives one byte from addr.
func (d *Driver) ReadByte(addr uint8) (byte, error) {
	var b [1]byte
	if err := d.Tx(addr, nil, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read fills p from addr.
func (d *Driver) Read(addr uint8, p []byte) error { return d.Tx(addr, nil, p) }

// WriteByte sends one byte to addr.
func (d *Driver) WriteByte(addr uint8, b byte) error { return d.Tx(addr, []byte{b}, nil) }

// Write sends p to addr.
func (d *Driver) Write(addr uint8, p []byte) error { return d.Tx(addr, p, nil) }

// Tx writes w then reads r. With both present the read follows a repeated
// START without releasing the bus.
func (d *Driver) Tx(addr uint8, w, r []byte) error {
	if err := d.state.Require("i2c.Tx"); err != nil {
		return err
	}
	if len(w) > 0 {
		d.blk.SetSlaveAddr(addr, false)
		for i, b := range w {
			first, last := i == 0, i == len(w)-1
			d.blk.DataPut(b)
			if err := d.step(addr, sendCmd(first, last && len(r) == 0)); err != nil {
				return err
			}
		}
	}
	if len(r) > 0 {
		d.blk.SetSlaveAddr(addr, true)
		for i := range r {
			if err := d.step(addr, recvCmd(i == 0, i == len(r)-1)); err != nil {
				return err
			}
			r[i] = d.blk.DataGet()
		}
	}
	return nil
}

func sendCmd(first, stop bool) hw.I2CCmd {
	switch {
	case first && stop:
		return hw.I2CSingleSend
	case first:
		return hw.I2CBurstSendStart
	case stop:
		return hw.I2CBurstSendFinish
	}
	return hw.I2CBurstSendCont
}

func recvCmd(first, last bool) hw.I2CCmd {
	switch {
	case first && last:
		return hw.I2CSingleReceive
	case first:
		return hw.I2CBurstReceiveStart
	case last:
		return hw.I2CBurstReceiveFinish
	}
	return hw.I2CBurstReceiveCont
}

// step issues cmd and waits for it. On a bus error an open burst is closed
// with the matching error STOP.
func (d *Driver) step(addr uint8, cmd hw.I2CCmd) error {
	d.blk.Control(cmd)
	if err := d.wait(); err != nil {
		return err
	}
	e := d.blk.Err()
	if e == 0 {
		return nil
	}
	if !cmd.Stops() {
		stop := hw.I2CBurstSendErrorStop
		if cmd.Receives() {
			stop = hw.I2CBurstReceiveErrorStop
		}
		d.blk.Control(stop)
		if err := d.wait(); err != nil {
			return err
		}
	}
	return &errcode.E{C: errcode.Nack, Op: "i2c.Tx", Msg: fmt.Sprintf("addr %#02x status %#02x", addr, uint8(e))}
}

func (d *Driver) wait() error {
	if d.armed.Load() {
		d.done.Take()
		return nil
	}
	if err := osal.Spin(d.spin, func() bool { return !d.blk.Busy() }); err != nil {
		return &errcode.E{C: errcode.Wedged, Op: "i2c.Tx", Msg: "master busy", Err: err}
	}
	return nil
}

// EnableInterrupts claims the source and switches command completion from
// polling to the done signal.
func (d *Driver) EnableInterrupts() error {
	if err := d.state.RequireStarted("i2c.EnableInterrupts"); err != nil {
		return err
	}
	if err := d.reg.Register(d.cfg.Source, d); err != nil {
		return err
	}
	d.done.TryTake()
	d.blk.IntClear()
	d.blk.IntEnable()
	d.plat.SetPriority(d.cfg.Source, d.cfg.Priority)
	d.plat.EnableIRQ(d.cfg.Source)
	d.armed.Store(true)
	return nil
}

func (d *Driver) DisableInterrupts() {
	d.armed.Store(false)
	d.blk.IntDisable()
	d.plat.DisableIRQ(d.cfg.Source)
}

// InterruptHandler runs in interrupt context.
func (d *Driver) InterruptHandler() {
	d.blk.IntClear()
	d.plat.ClearPending(d.cfg.Source)
	d.done.GiveFromInterrupt()
}
