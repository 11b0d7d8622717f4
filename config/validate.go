package config

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
)

// Derived per-pin interrupt sources start here; blocks must stay below.
const pinSourceBase = 0x100

var (
	readerModes = map[string]bool{"": true, "bytes": true, "lines": true}
	deviceKinds = map[string]bool{"aht20": true, "regfile": true}
)

type checker struct {
	err     error
	ids     map[string]bool
	sources map[irq.Source]string
	pins    map[[2]uint8]string
}

func (c *checker) fail(code errcode.Code, format string, args ...any) {
	c.err = multierr.Append(c.err, errors.Wrapf(code, format, args...))
}

func (c *checker) id(kind, id string) {
	switch {
	case id == "":
		c.fail(errcode.InvalidParams, "%s without id", kind)
	case c.ids[id]:
		c.fail(errcode.InvalidParams, "duplicate id %q", id)
	default:
		c.ids[id] = true
	}
}

func (c *checker) source(owner string, src irq.Source) {
	if src >= pinSourceBase {
		c.fail(errcode.InvalidParams, "%s: irq %d is in the pin source range", owner, src)
		return
	}
	if prev, dup := c.sources[src]; dup {
		c.fail(errcode.AlreadyRegistered, "%s: irq %d already used by %s", owner, src, prev)
		return
	}
	c.sources[src] = owner
}

func (c *checker) pin(owner string, p hw.PinBinding) {
	k := [2]uint8{p.Port, p.Pin}
	if prev, dup := c.pins[k]; dup {
		c.fail(errcode.PinInUse, "%s: pin %s already used by %s", owner, p, prev)
		return
	}
	c.pins[k] = owner
}

// Validate reports every problem in the board, not just the first.
func (b *Board) Validate() error {
	c := &checker{ids: map[string]bool{}, sources: map[irq.Source]string{}, pins: map[[2]uint8]string{}}
	if b.Name == "" {
		c.fail(errcode.InvalidParams, "board without name")
	}

	ports := map[uint8]bool{}
	for _, p := range b.Ports {
		owner := hw.PinBinding{Port: p.Port}.String()[:2]
		if ports[p.Port] {
			c.fail(errcode.InvalidParams, "gpio port %s listed twice", owner)
		}
		ports[p.Port] = true
		c.source("gpio port "+owner, p.Source)
	}

	for _, u := range b.UARTs {
		c.id("uart", u.ID)
		c.source(u.ID, u.Source)
		c.pin(u.ID, u.RX)
		c.pin(u.ID, u.TX)
		if u.Baud == 0 {
			c.fail(errcode.InvalidParams, "uart %q: zero baud", u.ID)
		}
		if u.Reader != nil && !readerModes[u.Reader.Mode] {
			c.fail(errcode.InvalidParams, "uart %q: reader mode %q", u.ID, u.Reader.Mode)
		}
	}

	for _, s := range b.SPIs {
		c.id("spi", s.ID)
		c.source(s.ID, s.Source)
		c.pin(s.ID, s.MISO)
		c.pin(s.ID, s.MOSI)
		c.pin(s.ID, s.CLK)
		if s.CS != nil {
			c.pin(s.ID, *s.CS)
		}
		if s.Baud == 0 {
			c.fail(errcode.InvalidParams, "spi %q: zero baud", s.ID)
		}
		if s.DataWidth < 4 || s.DataWidth > 16 {
			c.fail(errcode.InvalidParams, "spi %q: data width %d outside 4-16", s.ID, s.DataWidth)
		}
	}

	for _, i := range b.I2Cs {
		c.id("i2c", i.ID)
		c.source(i.ID, i.Source)
		c.pin(i.ID, i.SCL)
		c.pin(i.ID, i.SDA)
		addrs := map[uint8]bool{}
		for _, d := range i.Devices {
			c.id("i2c device", d.ID)
			if !deviceKinds[d.Kind] {
				c.fail(errcode.Unsupported, "i2c device %q: kind %q", d.ID, d.Kind)
			}
			if d.Addr > 0x7F {
				c.fail(errcode.InvalidParams, "i2c device %q: address %#x is not 7-bit", d.ID, d.Addr)
			}
			if addrs[d.Addr] {
				c.fail(errcode.InvalidParams, "i2c %q: address %#x used twice", i.ID, d.Addr)
			}
			addrs[d.Addr] = true
		}
	}

	for _, in := range b.Inputs {
		c.id("input", in.ID)
		c.pin(in.ID, in.Pin)
		if in.Edge == hw.EdgeNone {
			c.fail(errcode.InvalidParams, "input %q: no trigger edge", in.ID)
		}
		if !ports[in.Pin.Port] {
			c.fail(errcode.UnknownPin, "input %q: port of %s has no gpio_ports entry", in.ID, in.Pin)
		}
	}

	for _, o := range b.Outputs {
		c.id("output", o.ID)
		c.pin(o.ID, o.Pin)
	}

	for _, e := range b.Ethernet {
		c.id("ethernet", e.ID)
		if _, err := ParseMAC(e.MAC); err != nil {
			c.err = multierr.Append(c.err, errors.Wrapf(err, "ethernet %q", e.ID))
		}
	}

	if b.Heartbeat.Interval < 0 {
		c.fail(errcode.InvalidParams, "negative heartbeat interval")
	}
	return c.err
}

// ParseMAC parses a 48-bit colon or dash separated address.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	addr, err := net.ParseMAC(s)
	if err != nil {
		return mac, errors.Wrapf(errcode.InvalidParams, "mac %q", s)
	}
	if len(addr) != 6 {
		return mac, errors.Wrapf(errcode.InvalidParams, "mac %q is not 48-bit", s)
	}
	copy(mac[:], addr)
	return mac, nil
}
