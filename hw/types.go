package hw

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"periphcore-go/errcode"
)

// Edge is the trigger policy of an input pin.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
	LevelLow
	LevelHigh
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	case LevelLow:
		return "low"
	case LevelHigh:
		return "high"
	default:
		return "none"
	}
}

// ParseEdge accepts the names produced by Edge.String.
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EdgeNone, nil
	case "rising":
		return EdgeRising, nil
	case "falling":
		return EdgeFalling, nil
	case "both":
		return EdgeBoth, nil
	case "low":
		return LevelLow, nil
	case "high":
		return LevelHigh, nil
	}
	return EdgeNone, errors.Wrapf(errcode.InvalidParams, "edge %q", s)
}

func (e *Edge) UnmarshalText(b []byte) error {
	v, err := ParseEdge(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// PinBinding names a physical pin: port, pin number and the alternate-function
// selector used when the pin is routed to a peripheral, plus the trigger
// policy for inputs. It is a value type and never changes after construction.
type PinBinding struct {
	Port uint8
	Pin  uint8
	IOC  uint32
	Edge Edge
}

// Mask is the pin's bit within its port.
func (p PinBinding) Mask() uint8 { return 1 << (p.Pin & 7) }

// String renders "PA3" style names.
func (p PinBinding) String() string {
	return fmt.Sprintf("P%c%d", 'A'+rune(p.Port), p.Pin)
}

// ParsePin parses "PA3" (port letter, pin 0-7).
func ParsePin(s string) (PinBinding, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 || s[0] != 'P' || s[1] < 'A' || s[1] > 'H' || s[2] < '0' || s[2] > '7' {
		return PinBinding{}, errors.Wrapf(errcode.UnknownPin, "pin %q", s)
	}
	return PinBinding{Port: s[1] - 'A', Pin: s[2] - '0'}, nil
}

func (p *PinBinding) UnmarshalText(b []byte) error {
	v, err := ParsePin(string(b))
	if err != nil {
		return err
	}
	p.Port, p.Pin = v.Port, v.Pin
	return nil
}

// Parity of a UART frame.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Frame is the UART character format.
type Frame struct {
	DataBits uint8
	Parity   Parity
	StopBits uint8
}

// Frame8N1 is 8 data bits, no parity, 1 stop bit.
var Frame8N1 = Frame{DataBits: 8, Parity: ParityNone, StopBits: 1}

func (f Frame) String() string {
	p := byte('N')
	switch f.Parity {
	case ParityEven:
		p = 'E'
	case ParityOdd:
		p = 'O'
	}
	return fmt.Sprintf("%d%c%d", f.DataBits, p, f.StopBits)
}

// ParseFrame parses "8N1" style formats.
func ParseFrame(s string) (Frame, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	bad := errors.Wrapf(errcode.InvalidParams, "frame %q", s)
	if len(s) != 3 {
		return Frame{}, bad
	}
	var f Frame
	if s[0] < '5' || s[0] > '8' {
		return Frame{}, bad
	}
	f.DataBits = s[0] - '0'
	switch s[1] {
	case 'N':
		f.Parity = ParityNone
	case 'E':
		f.Parity = ParityEven
	case 'O':
		f.Parity = ParityOdd
	default:
		return Frame{}, bad
	}
	if s[2] != '1' && s[2] != '2' {
		return Frame{}, bad
	}
	f.StopBits = s[2] - '0'
	return f, nil
}

func (f *Frame) UnmarshalText(b []byte) error {
	v, err := ParseFrame(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// decodeName leaves dst untouched on error.
func decodeName[T any](dst *T, kind string, b []byte, names map[string]T) error {
	v, ok := names[strings.ToLower(strings.TrimSpace(string(b)))]
	if !ok {
		return errors.Wrapf(errcode.InvalidParams, "%s %q", kind, b)
	}
	*dst = v
	return nil
}

var clockNames = map[string]ClockSource{"": ClockSystem, "system": ClockSystem, "io": ClockIO, "piosc": ClockIO}

func (c ClockSource) String() string {
	if c == ClockIO {
		return "io"
	}
	return "system"
}

func (c *ClockSource) UnmarshalText(b []byte) error {
	return decodeName(c, "clock source", b, clockNames)
}

var txIntNames = map[string]TxIntMode{"": TxIntFIFO, "fifo": TxIntFIFO, "eot": TxIntEOT}

func (m *TxIntMode) UnmarshalText(b []byte) error {
	return decodeName(m, "tx interrupt mode", b, txIntNames)
}

var protocolNames = map[string]SPIProtocol{
	"": MotoMode0, "mode0": MotoMode0, "mode1": MotoMode1, "mode2": MotoMode2, "mode3": MotoMode3,
	"ti": TISync, "microwire": Microwire,
}

func (p *SPIProtocol) UnmarshalText(b []byte) error {
	return decodeName(p, "spi protocol", b, protocolNames)
}

var roleNames = map[string]SPIRole{"": SPIMaster, "master": SPIMaster, "slave": SPISlave}

func (r SPIRole) String() string {
	if r == SPISlave {
		return "slave"
	}
	return "master"
}

func (r *SPIRole) UnmarshalText(b []byte) error {
	return decodeName(r, "spi role", b, roleNames)
}
