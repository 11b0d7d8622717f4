package spi

import (
	"periph.io/x/conn/v3"
	pspi "periph.io/x/conn/v3/spi"
)

// PeriphConn exposes the driver as a periph.io connection. Each Tx runs
// inside its own chip-select assertion.
func (s *SPI) PeriphConn() pspi.Conn { return periphConn{s} }

type periphConn struct{ s *SPI }

func (c periphConn) String() string { return c.s.cfg.Name }

func (c periphConn) Duplex() conn.Duplex { return conn.Full }

// Halt has nothing to abort: every exchange completes before Tx returns.
func (c periphConn) Halt() error { return nil }

func (c periphConn) Tx(w, r []byte) error {
	c.s.Select()
	defer c.s.Deselect()
	return c.s.Tx(w, r)
}

// TxPackets keeps chip select asserted between packets that ask for it.
func (c periphConn) TxPackets(p []pspi.Packet) error {
	c.s.Select()
	defer c.s.Deselect()
	for i, pkt := range p {
		if err := c.s.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
		if !pkt.KeepCS && i < len(p)-1 {
			c.s.Deselect()
			c.s.Select()
		}
	}
	return nil
}
