package sim

import (
	"sync"

	"periphcore-go/hw"
)

// Opcodes understood by EthMAC. Each command is one opcode byte followed by
// its operand bytes, all clocked in one chip-select window.
const (
	EthCmdInit  = 0x01 // 6 MAC bytes
	EthCmdWrite = 0x02 // length (big-endian u16), then the frame
	EthCmdRxLen = 0x03 // clocks out the head frame length (big-endian u16)
	EthCmdRead  = 0x04 // clocks out the head frame, which is then dropped
)

type ethPhase uint8

const (
	ethIdle ethPhase = iota
	ethInit
	ethLen
	ethData
	ethRxLen
	ethRead
)

// EthMAC simulates an SPI-attached Ethernet controller whose PHY is in
// loopback: every frame written is queued for receive. Its active-low INT
// output is driven on the SoC pin given to AttachEthMAC while receive frames
// are pending.
type EthMAC struct {
	soc    *SoC
	intPin hw.PinBinding

	mu    sync.Mutex
	mac   [6]byte
	up    bool
	phase ethPhase
	buf   []byte
	need  int
	idx   int
	rx    [][]byte
	sent  int
}

// AttachEthMAC connects a controller to ssi and parks its INT line high.
func (s *SoC) AttachEthMAC(ssi *SSI, intPin hw.PinBinding) *EthMAC {
	m := &EthMAC{soc: s, intPin: intPin}
	ssi.mu.Lock()
	ssi.Respond = m.exchange
	ssi.mu.Unlock()
	s.Drive(intPin, true)
	return m
}

// MAC returns the address written by the last init command.
func (m *EthMAC) MAC() [6]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mac
}

// Sent returns how many frames the controller accepted.
func (m *EthMAC) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// exchange clocks one byte. An INT edge is driven after m.mu is released;
// its interrupt runs on the caller's goroutine.
func (m *EthMAC) exchange(tx uint32) uint32 {
	m.mu.Lock()
	v, edge := m.step(byte(tx))
	m.mu.Unlock()
	switch edge {
	case intAssert:
		m.soc.Drive(m.intPin, false)
	case intRelease:
		m.soc.Drive(m.intPin, true)
	}
	return uint32(v)
}

type intEdge uint8

const (
	intNone intEdge = iota
	intAssert
	intRelease
)

func (m *EthMAC) step(b byte) (byte, intEdge) {
	switch m.phase {
	case ethIdle:
		m.buf, m.idx = m.buf[:0], 0
		switch b {
		case EthCmdInit:
			m.phase = ethInit
		case EthCmdWrite:
			m.phase = ethLen
		case EthCmdRxLen:
			m.phase = ethRxLen
		case EthCmdRead:
			if len(m.rx) > 0 {
				m.phase = ethRead
			}
		}
	case ethInit:
		m.buf = append(m.buf, b)
		if len(m.buf) == len(m.mac) {
			copy(m.mac[:], m.buf)
			m.up = true
			m.phase = ethIdle
		}
	case ethLen:
		m.buf = append(m.buf, b)
		if len(m.buf) == 2 {
			m.need = int(m.buf[0])<<8 | int(m.buf[1])
			m.buf = m.buf[:0]
			m.phase = ethData
			if m.need == 0 {
				m.phase = ethIdle
			}
		}
	case ethData:
		m.buf = append(m.buf, b)
		if len(m.buf) == m.need {
			m.phase = ethIdle
			if m.up {
				m.rx = append(m.rx, append([]byte(nil), m.buf...))
				m.sent++
				if len(m.rx) == 1 {
					return 0, intAssert
				}
			}
		}
	case ethRxLen:
		var n int
		if len(m.rx) > 0 {
			n = len(m.rx[0])
		}
		v := byte(n >> 8)
		if m.idx == 1 {
			v = byte(n)
			m.phase = ethIdle
		}
		m.idx++
		return v, intNone
	case ethRead:
		f := m.rx[0]
		v := f[m.idx]
		m.idx++
		if m.idx == len(f) {
			m.rx = m.rx[1:]
			m.phase = ethIdle
			if len(m.rx) == 0 {
				return v, intRelease
			}
		}
		return v, intNone
	}
	return 0, intNone
}
