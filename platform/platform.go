// Package platform brings up the drivers a config.Board describes on a
// concrete SoC and wires them to the bus services.
package platform

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"periphcore-go/config"
	"periphcore-go/drivers/aht20"
	"periphcore-go/drivers/ethernet"
	"periphcore-go/drivers/gpio"
	"periphcore-go/drivers/i2c"
	"periphcore-go/drivers/spi"
	"periphcore-go/drivers/uart"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
)

// SoC is what Build needs from a chip: the common platform capabilities,
// block lookup by id and vector installation for port-level GPIO lines.
type SoC interface {
	hw.Platform
	UART(id string) (hw.UARTBlock, bool)
	SSI(id string) (hw.SSIBlock, bool)
	I2C(id string) (hw.I2CMaster, bool)
	GPIOPort(port uint8) (hw.GPIOPort, bool)
	SetVector(src irq.Source, fn func())
}

// Board holds the live drivers, keyed by config id.
type Board struct {
	Config   *config.Board
	Registry *irq.Registry

	UARTs    map[string]*uart.UART
	SPIs     map[string]*spi.SPI
	I2Cs     map[string]*i2c.Bus
	Inputs   map[string]*gpio.In
	Outputs  map[string]*gpio.Out
	Sensors  map[string]*aht20.Device
	Ethernet map[string]*ethernet.Ethernet

	log *zap.Logger
}

// Build enables every block in cfg. On failure the blocks already brought
// up are shut down again.
func Build(cfg *config.Board, soc SoC, reg *irq.Registry, logger *zap.Logger) (*Board, error) {
	log := logging.OrNop(logger).Named("platform")
	b := &Board{
		Config:   cfg,
		Registry: reg,
		UARTs:    map[string]*uart.UART{},
		SPIs:     map[string]*spi.SPI{},
		I2Cs:     map[string]*i2c.Bus{},
		Inputs:   map[string]*gpio.In{},
		Outputs:  map[string]*gpio.Out{},
		Sensors:  map[string]*aht20.Device{},
		Ethernet: map[string]*ethernet.Ethernet{},
		log:      log,
	}
	steps := []func(SoC) error{b.buildPorts, b.buildOutputs, b.buildUARTs, b.buildSPIs, b.buildI2Cs, b.buildInputs, b.buildEthernet}
	for _, step := range steps {
		if err := step(soc); err != nil {
			return nil, multierr.Append(err, b.Close())
		}
	}
	log.Info("board up", zap.String("board", cfg.Name),
		zap.Int("uarts", len(b.UARTs)), zap.Int("spis", len(b.SPIs)), zap.Int("i2cs", len(b.I2Cs)),
		zap.Int("inputs", len(b.Inputs)), zap.Int("outputs", len(b.Outputs)), zap.Int("sensors", len(b.Sensors)))
	return b, nil
}

func (b *Board) buildPorts(soc SoC) error {
	for _, p := range b.Config.Ports {
		blk, ok := soc.GPIOPort(p.Port)
		if !ok {
			return errors.Wrapf(errcode.UnknownPin, "gpio port %d not on this chip", p.Port)
		}
		soc.SetVector(p.Source, gpio.PortVector(b.Registry, p.Port, blk))
		if p.Priority != 0 {
			soc.SetPriority(p.Source, p.Priority)
		}
	}
	return nil
}

func (b *Board) buildOutputs(soc SoC) error {
	for _, o := range b.Config.Outputs {
		b.Outputs[o.ID] = gpio.NewOut(soc, o.Pin, o.Initial)
	}
	return nil
}

func (b *Board) buildUARTs(soc SoC) error {
	for _, c := range b.Config.UARTs {
		blk, ok := soc.UART(c.ID)
		if !ok {
			return errors.Wrapf(errcode.UnknownBus, "uart %q not on this chip", c.ID)
		}
		u, err := uart.New(uart.Config{
			Name:      c.ID,
			Periph:    c.Periph,
			Source:    c.Source,
			Clock:     c.Clock,
			Priority:  c.Priority,
			SpinLimit: c.SpinLimit,
			Logger:    b.log,
		}, soc, blk, b.Registry, uart.Pins{RX: c.RX, TX: c.TX})
		if err != nil {
			return err
		}
		if err := u.Enable(c.Baud, c.Frame, c.TxInt); err != nil {
			return errors.Wrapf(err, "uart %q", c.ID)
		}
		b.UARTs[c.ID] = u
		if err := u.EnableInterrupts(); err != nil {
			return errors.Wrapf(err, "uart %q", c.ID)
		}
	}
	return nil
}

func (b *Board) buildSPIs(soc SoC) error {
	for _, c := range b.Config.SPIs {
		blk, ok := soc.SSI(c.ID)
		if !ok {
			return errors.Wrapf(errcode.UnknownBus, "spi %q not on this chip", c.ID)
		}
		var cs *gpio.Out
		if c.CS != nil {
			cs = gpio.NewOut(soc, *c.CS, true)
		}
		s, err := spi.New(spi.Config{
			Name:          c.ID,
			Periph:        c.Periph,
			Source:        c.Source,
			Clock:         c.Clock,
			Priority:      c.Priority,
			Protocol:      c.Protocol,
			Role:          c.Role,
			Baud:          c.Baud,
			DataWidth:     c.DataWidth,
			SwapCallbacks: c.SwapCallbacks,
			SpinLimit:     c.SpinLimit,
			Logger:        b.log,
		}, soc, blk, b.Registry, spi.Pins{MISO: c.MISO, MOSI: c.MOSI, CLK: c.CLK}, cs)
		if err != nil {
			return err
		}
		if err := s.Enable(0); err != nil {
			return errors.Wrapf(err, "spi %q", c.ID)
		}
		b.SPIs[c.ID] = s
	}
	return nil
}

func (b *Board) buildI2Cs(soc SoC) error {
	for _, c := range b.Config.I2Cs {
		blk, ok := soc.I2C(c.ID)
		if !ok {
			return errors.Wrapf(errcode.UnknownBus, "i2c %q not on this chip", c.ID)
		}
		d, err := i2c.New(i2c.Config{
			Name:      c.ID,
			Periph:    c.Periph,
			Source:    c.Source,
			Priority:  c.Priority,
			SpinLimit: c.SpinLimit,
			Logger:    b.log,
		}, soc, blk, b.Registry, i2c.Pins{SCL: c.SCL, SDA: c.SDA})
		if err != nil {
			return err
		}
		if err := d.Enable(c.Baud); err != nil {
			return errors.Wrapf(err, "i2c %q", c.ID)
		}
		bus := i2c.NewBus(d)
		b.I2Cs[c.ID] = bus
		if err := d.EnableInterrupts(); err != nil {
			return errors.Wrapf(err, "i2c %q", c.ID)
		}

		for _, dev := range c.Devices {
			if dev.Kind != "aht20" {
				continue
			}
			s := aht20.New(bus, aht20.Config{Address: uint16(dev.Addr), Logger: b.log})
			if err := s.Configure(); err != nil {
				return errors.Wrapf(err, "aht20 %q", dev.ID)
			}
			b.Sensors[dev.ID] = s
		}
	}
	return nil
}

func (b *Board) buildInputs(soc SoC) error {
	for _, c := range b.Config.Inputs {
		p, _ := b.Config.Port(c.Pin.Port)
		blk, ok := soc.GPIOPort(c.Pin.Port)
		if !ok {
			return errors.Wrapf(errcode.UnknownPin, "input %q: port of %s not on this chip", c.ID, c.Pin)
		}
		in, err := gpio.NewIn(gpio.InConfig{Name: c.ID, Pin: c.Pin, PortSource: p.Source, Logger: b.log}, soc, blk, b.Registry)
		if err != nil {
			return err
		}
		b.Inputs[c.ID] = in
	}
	return nil
}

func (b *Board) buildEthernet(SoC) error {
	for _, c := range b.Config.Ethernet {
		mac, err := config.ParseMAC(c.MAC)
		if err != nil {
			return err
		}
		dev := ethernet.NewLoopback()
		dev.MaxLen = c.MaxLen
		e := ethernet.New(dev, b.log.With(zap.String("eth", c.ID)))
		if err := e.Init(ethernet.MAC(mac)); err != nil {
			return errors.Wrapf(err, "ethernet %q", c.ID)
		}
		b.Ethernet[c.ID] = e
	}
	return nil
}

// Close disarms and releases every interrupt source and puts the blocks to
// sleep, so a later Build on the same registry can claim them again.
func (b *Board) Close() error {
	var err error
	for _, in := range b.Inputs {
		in.DisableInterrupts()
		in.ClearCallback()
		b.Registry.Unregister(in.Source(), in)
	}
	for id, u := range b.UARTs {
		u.DisableInterrupts()
		b.Registry.Unregister(u.Source(), u)
		err = multierr.Append(err, errors.Wrapf(u.Sleep(), "uart %q", id))
	}
	for id, s := range b.SPIs {
		s.DisableInterrupts()
		b.Registry.Unregister(s.Source(), s)
		err = multierr.Append(err, errors.Wrapf(s.Sleep(), "spi %q", id))
	}
	for id, bus := range b.I2Cs {
		d := bus.Driver()
		d.DisableInterrupts()
		b.Registry.Unregister(d.Source(), d)
		err = multierr.Append(err, errors.Wrapf(d.Sleep(), "i2c %q", id))
	}
	for _, e := range b.Ethernet {
		e.ClearCallback()
	}
	return err
}
