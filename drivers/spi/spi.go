// Package spi drives one SSI block as a full-duplex SPI master (or slave).
//
// Every byte moved is an exchange: a read clocks out 0x00, a write discards
// what was clocked in. Chip select is a plain GPIO output whose polarity
// follows the frame format: active-low for Motorola modes 0 and 1,
// active-high otherwise.
package spi

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"tinygo.org/x/drivers"

	"periphcore-go/drivers/gpio"
	"periphcore-go/drivers/internal/lifecycle"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
	"periphcore-go/osal"
)

// DefaultPriority is the controller priority used when Config.Priority is 0.
const DefaultPriority = 7 << 5

const allInts = hw.SSITXFF | hw.SSIRXFF | hw.SSIRXTO | hw.SSIRXOR

type Config struct {
	Name      string
	Periph    hw.PeriphID
	Source    irq.Source
	Clock     hw.ClockSource
	Priority  uint8
	Protocol  hw.SPIProtocol
	Role      hw.SPIRole
	Baud      uint32
	DataWidth uint8 // bits per frame, 0 means 8
	// SwapCallbacks runs the RX callback on transmit-ready and the TX
	// callback on receive-ready, for callers written against that wiring.
	SwapCallbacks bool
	SpinLimit     int
	Logger        *zap.Logger
}

// Pins shared with other devices on the bus.
type Pins struct {
	MISO hw.PinBinding
	MOSI hw.PinBinding
	CLK  hw.PinBinding
}

type SPI struct {
	cfg  Config
	pins Pins
	cs   *gpio.Out
	plat hw.Platform
	blk  hw.SSIBlock
	reg  *irq.Registry
	log  *zap.Logger
	spin int

	state     lifecycle.Tracker
	rxCb      irq.Slot
	txCb      irq.Slot
	exchanges atomic.Uint64
}

var _ drivers.SPI = (*SPI)(nil)

// New binds a driver to its block. cs may be nil when the device's select
// line is managed elsewhere.
func New(cfg Config, plat hw.Platform, blk hw.SSIBlock, reg *irq.Registry, pins Pins, cs *gpio.Out) (*SPI, error) {
	if plat == nil || blk == nil || reg == nil {
		return nil, errcode.New(errcode.InvalidParams, "spi.New", "nil platform, block or registry")
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.DataWidth == 0 {
		cfg.DataWidth = 8
	}
	s := &SPI{
		cfg:  cfg,
		pins: pins,
		cs:   cs,
		plat: plat,
		blk:  blk,
		reg:  reg,
		log:  logging.OrNop(cfg.Logger).With(zap.String("spi", cfg.Name)),
		spin: osal.SpinLimit(cfg.SpinLimit),
	}
	s.Deselect()
	return s, nil
}

func (s *SPI) Name() string           { return s.cfg.Name }
func (s *SPI) Source() irq.Source     { return s.cfg.Source }
func (s *SPI) State() lifecycle.State { return s.state.Load() }
func (s *SPI) Baud() uint32           { return s.cfg.Baud }

// Exchanges returns how many frames have been clocked since construction.
func (s *SPI) Exchanges() uint64 { return s.exchanges.Load() }

// Enable brings the block up. A non-zero baud replaces the configured rate.
func (s *SPI) Enable(baud uint32) error {
	if baud != 0 {
		s.cfg.Baud = baud
	}
	if s.cfg.Baud == 0 {
		return errcode.New(errcode.InvalidParams, "spi.Enable", "no baud rate configured")
	}
	p := s.cfg.Periph
	s.plat.EnableClock(p)
	s.plat.SetSleepClock(p, true)
	s.plat.SetDeepSleepClock(p, false)

	s.blk.Disable()
	s.blk.SetClockSource(s.cfg.Clock)
	s.plat.ConfigPeriphOutput(s.pins.CLK)
	s.plat.ConfigPeriphOutput(s.pins.MOSI)
	s.plat.ConfigPeriphInput(s.pins.MISO)
	s.blk.Configure(s.cfg.Protocol, s.cfg.Role, s.cfg.Baud, s.cfg.DataWidth)
	s.blk.Enable()
	s.state.Set(lifecycle.Enabled)
	s.log.Debug("enabled", zap.Uint32("baud", s.cfg.Baud), zap.Stringer("protocol", s.cfg.Protocol))
	return nil
}

// Wakeup is Enable with the stored rate.
func (s *SPI) Wakeup() error {
	if err := s.state.RequireStarted("spi.Wakeup"); err != nil {
		return err
	}
	return s.Enable(0)
}

// Sleep waits for the shifter to go idle, disables the block and drives the
// bus pins low.
func (s *SPI) Sleep() error {
	switch s.state.Load() {
	case lifecycle.Disabled:
		return errcode.New(errcode.NotEnabled, "spi.Sleep", "disabled")
	case lifecycle.Sleeping:
		return nil
	}
	if err := osal.Spin(s.spin, func() bool { return !s.blk.Busy() }); err != nil {
		s.log.Warn("shifter never went idle", zap.Error(err))
		return &errcode.E{C: errcode.Wedged, Op: "spi.Sleep", Err: err}
	}
	s.blk.Disable()
	for _, pin := range []hw.PinBinding{s.pins.MISO, s.pins.MOSI, s.pins.CLK} {
		s.plat.ConfigOutput(pin)
		s.plat.WritePin(pin, false)
	}
	s.state.Set(lifecycle.Sleeping)
	s.log.Debug("asleep")
	return nil
}

func (s *SPI) activeLow() bool {
	return s.cfg.Protocol == hw.MotoMode0 || s.cfg.Protocol == hw.MotoMode1
}

// Select asserts chip select.
func (s *SPI) Select() {
	if s.cs == nil {
		return
	}
	s.cs.Set(!s.activeLow())
}

// Deselect releases chip select.
func (s *SPI) Deselect() {
	if s.cs == nil {
		return
	}
	s.cs.Set(s.activeLow())
}

func (s *SPI) exchange(op string, out byte) (byte, error) {
	if err := osal.Spin(s.spin, func() bool { return s.blk.PutNonBlocking(uint32(out)) }); err != nil {
		return 0, &errcode.E{C: errcode.Wedged, Op: op, Msg: "transmit FIFO full", Err: err}
	}
	if err := osal.Spin(s.spin, func() bool { return !s.blk.Busy() }); err != nil {
		return 0, &errcode.E{C: errcode.Wedged, Op: op, Msg: "shifter busy", Err: err}
	}
	var in uint32
	err := osal.Spin(s.spin, func() bool {
		var ok bool
		in, ok = s.blk.GetNonBlocking()
		return ok
	})
	if err != nil {
		return 0, &errcode.E{C: errcode.Wedged, Op: op, Msg: "receive FIFO empty", Err: err}
	}
	s.exchanges.Inc()
	return byte(in), nil
}

// ReadByte clocks out 0x00 and returns the byte clocked in.
func (s *SPI) ReadByte() (byte, error) {
	if err := s.state.Require("spi.ReadByte"); err != nil {
		return 0, err
	}
	return s.exchange("spi.ReadByte", 0x00)
}

// WriteByte clocks out b and discards the byte clocked in.
func (s *SPI) WriteByte(b byte) error {
	if err := s.state.Require("spi.WriteByte"); err != nil {
		return err
	}
	_, err := s.exchange("spi.WriteByte", b)
	return err
}

func (s *SPI) Read(p []byte) (int, error) {
	if err := s.state.Require("spi.Read"); err != nil {
		return 0, err
	}
	for i := range p {
		b, err := s.exchange("spi.Read", 0x00)
		if err != nil {
			return i, err
		}
		p[i] = b
	}
	return len(p), nil
}

func (s *SPI) Write(p []byte) (int, error) {
	if err := s.state.Require("spi.Write"); err != nil {
		return 0, err
	}
	for i, b := range p {
		if _, err := s.exchange("spi.Write", b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// Transfer exchanges one byte.
func (s *SPI) Transfer(b byte) (byte, error) {
	if err := s.state.Require("spi.Transfer"); err != nil {
		return 0, err
	}
	return s.exchange("spi.Transfer", b)
}

// Tx clocks max(len(w), len(r)) bytes. Missing write bytes are sent as 0x00
// and surplus read bytes are dropped. Chip select is left to the caller.
func (s *SPI) Tx(w, r []byte) error {
	if err := s.state.Require("spi.Tx"); err != nil {
		return err
	}
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		in, err := s.exchange("spi.Tx", out)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

// EnableInterrupts claims the source and arms the FIFO and error causes.
func (s *SPI) EnableInterrupts() error {
	if err := s.state.RequireStarted("spi.EnableInterrupts"); err != nil {
		return err
	}
	if err := s.reg.Register(s.cfg.Source, s); err != nil {
		return err
	}
	s.blk.IntEnable(allInts)
	s.plat.SetPriority(s.cfg.Source, s.cfg.Priority)
	s.plat.EnableIRQ(s.cfg.Source)
	return nil
}

func (s *SPI) DisableInterrupts() {
	s.blk.IntDisable(allInts)
	s.plat.DisableIRQ(s.cfg.Source)
}

// InterruptHandler runs in interrupt context.
func (s *SPI) InterruptHandler() {
	st := s.blk.IntStatus(true)
	s.plat.ClearPending(s.cfg.Source)

	tx, rx := &s.txCb, &s.rxCb
	if s.cfg.SwapCallbacks {
		tx, rx = rx, tx
	}
	if st&hw.SSITXFF != 0 {
		s.blk.IntClear(hw.SSITXFF)
		tx.Execute()
	}
	if st&(hw.SSIRXFF|hw.SSIRXTO|hw.SSIRXOR) != 0 {
		s.blk.IntClear(hw.SSIRXFF | hw.SSIRXTO | hw.SSIRXOR)
		rx.Execute()
	}
}

// SetRxCallback installs cb; nil clears the slot.
func (s *SPI) SetRxCallback(cb irq.Callback) { s.rxCb.Set(cb) }
func (s *SPI) SetTxCallback(cb irq.Callback) { s.txCb.Set(cb) }
func (s *SPI) ClearRxCallback()              { s.rxCb.Clear() }
func (s *SPI) ClearTxCallback()              { s.txCb.Clear() }
