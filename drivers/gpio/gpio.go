// Package gpio provides the general-purpose input interrupt source and a
// plain output pin (LEDs, chip selects).
//
// An In registers itself with the interrupt registry under the derived
// per-pin source (hw.PinSource). The port-level vector returned by PortVector
// demultiplexes the port status into those sources.
package gpio

import (
	"go.uber.org/zap"

	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
)

// InConfig describes one interrupt-capable input.
type InConfig struct {
	Name string
	Pin  hw.PinBinding
	// PortSource is the controller line shared by the pin's port.
	PortSource irq.Source
	Logger     *zap.Logger
}

// In is an edge-triggered input with one callback slot.
type In struct {
	name    string
	pin     hw.PinBinding
	src     irq.Source
	portSrc irq.Source
	plat    hw.Platform
	port    hw.GPIOPort
	reg     *irq.Registry
	cb      irq.Slot
	log     *zap.Logger
}

// NewIn configures the pin as an input and programs its trigger policy.
// Interrupts stay disarmed until EnableInterrupts.
func NewIn(cfg InConfig, plat hw.Platform, port hw.GPIOPort, reg *irq.Registry) (*In, error) {
	if plat == nil || port == nil || reg == nil {
		return nil, errcode.New(errcode.InvalidParams, "gpio.NewIn", "nil platform, port or registry")
	}
	in := &In{
		name:    cfg.Name,
		pin:     cfg.Pin,
		src:     hw.PinSource(cfg.Pin),
		portSrc: cfg.PortSource,
		plat:    plat,
		port:    port,
		reg:     reg,
		log:     logging.OrNop(cfg.Logger),
	}
	plat.ConfigInput(cfg.Pin)
	port.SetIntType(cfg.Pin.Mask(), cfg.Pin.Edge)
	return in, nil
}

func (in *In) Name() string       { return in.name }
func (in *In) Pin() hw.PinBinding { return in.pin }
func (in *In) Source() irq.Source { return in.src }
func (in *In) Read() bool         { return in.plat.ReadPin(in.pin) }
func (in *In) HasCallback() bool  { return in.cb.IsSet() }
func (in *In) ClearCallback()     { in.cb.Clear() }

// SetCallback stores cb and claims the pin's interrupt source.
func (in *In) SetCallback(cb irq.Callback) error {
	if cb == nil {
		return errcode.New(errcode.InvalidParams, "gpio.SetCallback", in.pin.String())
	}
	in.cb.Set(cb)
	if err := in.reg.Register(in.src, in); err != nil {
		in.cb.Clear()
		return err
	}
	in.log.Debug("callback set", zap.String("pin", in.pin.String()))
	return nil
}

// EnableInterrupts discards any stale edge, then arms the pin and the port line.
func (in *In) EnableInterrupts() {
	m := in.pin.Mask()
	st := irq.Disable()
	in.port.PinIntClear(m)
	in.port.PinIntEnable(m)
	irq.Restore(st)
	in.plat.EnableIRQ(in.portSrc)
}

// DisableInterrupts disarms the pin. The port line stays enabled for its
// other pins.
func (in *In) DisableInterrupts() {
	in.port.PinIntDisable(in.pin.Mask())
}

// InterruptHandler runs in interrupt context.
func (in *In) InterruptHandler() {
	in.port.PinIntClear(in.pin.Mask())
	in.cb.Execute()
}

// PortVector returns the entry point for a port-level line. It dispatches
// one per-pin source for every armed pin with a latched edge. Edges on pins
// that nobody owns are cleared so they do not fire again.
func PortVector(reg *irq.Registry, port uint8, p hw.GPIOPort) func() {
	return func() {
		st := p.PinIntStatus(true)
		for pin := uint8(0); pin < 8; pin++ {
			bit := uint8(1) << pin
			if st&bit == 0 {
				continue
			}
			src := hw.PinSource(hw.PinBinding{Port: port, Pin: pin})
			if _, ok := reg.Lookup(src); !ok {
				p.PinIntClear(bit)
			}
			reg.Dispatch(src)
		}
	}
}

// Out is a push-pull output.
type Out struct {
	pin  hw.PinBinding
	plat hw.PinMux
}

// NewOut configures pin as an output driven to initial.
func NewOut(plat hw.PinMux, pin hw.PinBinding, initial bool) *Out {
	o := &Out{pin: pin, plat: plat}
	plat.ConfigOutput(pin)
	plat.WritePin(pin, initial)
	return o
}

func (o *Out) Pin() hw.PinBinding { return o.pin }
func (o *Out) On()                { o.plat.WritePin(o.pin, true) }
func (o *Out) Off()               { o.plat.WritePin(o.pin, false) }
func (o *Out) Set(high bool)      { o.plat.WritePin(o.pin, high) }
func (o *Out) Status() bool       { return o.plat.ReadPin(o.pin) }

func (o *Out) Toggle() {
	o.plat.WritePin(o.pin, !o.plat.ReadPin(o.pin))
}
