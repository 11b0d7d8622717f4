// Package sim is an in-memory system-on-chip implementing the hw capability
// set. It records every register-level operation in a trace so tests can
// assert ordering, and it raises interrupts through a simulated NVIC that
// calls into an irq.Registry the way the vector table would.
package sim

import (
	"fmt"
	"sync"

	"periphcore-go/hw"
	"periphcore-go/irq"
)

// PinMode is the current routing of a simulated pin.
type PinMode uint8

const (
	PinUnconfigured PinMode = iota
	PinInput
	PinOutput
	PinPeriphInput
	PinPeriphOutput
)

func (m PinMode) String() string {
	switch m {
	case PinInput:
		return "in"
	case PinOutput:
		return "out"
	case PinPeriphInput:
		return "periph-in"
	case PinPeriphOutput:
		return "periph-out"
	}
	return "unconfigured"
}

// ClockState is the gating of one peripheral clock.
type ClockState struct {
	Run       bool
	Sleep     bool
	DeepSleep bool
}

type pinKey struct{ port, pin uint8 }

type pinState struct {
	mode  PinMode
	level bool
	ioc   uint32
}

// SoC implements hw.Platform and owns the simulated peripheral blocks.
type SoC struct {
	*NVIC

	mu     sync.Mutex
	trace  []string
	clocks map[hw.PeriphID]ClockState
	pins   map[pinKey]pinState

	uarts map[string]*UART
	ssis  map[string]*SSI
	i2cs  map[string]*I2C
	ports map[uint8]*GPIOPort
}

var _ hw.Platform = (*SoC)(nil)

// New returns an empty SoC whose controller dispatches into dispatch.
func New(dispatch func(irq.Source)) *SoC {
	return &SoC{
		NVIC:   NewNVIC(dispatch),
		clocks: map[hw.PeriphID]ClockState{},
		pins:   map[pinKey]pinState{},
		uarts:  map[string]*UART{},
		ssis:   map[string]*SSI{},
		i2cs:   map[string]*I2C{},
		ports:  map[uint8]*GPIOPort{},
	}
}

func (s *SoC) record(format string, args ...any) {
	s.mu.Lock()
	s.trace = append(s.trace, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

// Trace returns a copy of the operations recorded so far.
func (s *SoC) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trace...)
}

// ResetTrace drops the recorded operations.
func (s *SoC) ResetTrace() {
	s.mu.Lock()
	s.trace = nil
	s.mu.Unlock()
}

// ---- power ----

func (s *SoC) EnableClock(p hw.PeriphID) {
	s.mu.Lock()
	c := s.clocks[p]
	c.Run = true
	s.clocks[p] = c
	s.mu.Unlock()
	s.record("clock %d: run", p)
}

func (s *SoC) SetSleepClock(p hw.PeriphID, run bool) {
	s.mu.Lock()
	c := s.clocks[p]
	c.Sleep = run
	s.clocks[p] = c
	s.mu.Unlock()
	s.record("clock %d: sleep=%t", p, run)
}

func (s *SoC) SetDeepSleepClock(p hw.PeriphID, run bool) {
	s.mu.Lock()
	c := s.clocks[p]
	c.DeepSleep = run
	s.clocks[p] = c
	s.mu.Unlock()
	s.record("clock %d: deepsleep=%t", p, run)
}

// Clock returns the gating recorded for p.
func (s *SoC) Clock(p hw.PeriphID) ClockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clocks[p]
}

// ---- pin mux ----

func (s *SoC) setMode(pin hw.PinBinding, m PinMode) {
	s.mu.Lock()
	k := pinKey{pin.Port, pin.Pin}
	st := s.pins[k]
	st.mode = m
	st.ioc = pin.IOC
	s.pins[k] = st
	s.mu.Unlock()
	s.record("pin %s: %s", pin, m)
}

func (s *SoC) ConfigPeriphInput(pin hw.PinBinding)  { s.setMode(pin, PinPeriphInput) }
func (s *SoC) ConfigPeriphOutput(pin hw.PinBinding) { s.setMode(pin, PinPeriphOutput) }
func (s *SoC) ConfigInput(pin hw.PinBinding)        { s.setMode(pin, PinInput) }
func (s *SoC) ConfigOutput(pin hw.PinBinding)       { s.setMode(pin, PinOutput) }

// WritePin drives an output. Writes to pins not configured as outputs are
// recorded but do not change the level.
func (s *SoC) WritePin(pin hw.PinBinding, high bool) {
	s.mu.Lock()
	k := pinKey{pin.Port, pin.Pin}
	st := s.pins[k]
	if st.mode == PinOutput {
		st.level = high
		s.pins[k] = st
	}
	s.mu.Unlock()
	s.record("pin %s: write %d", pin, b2i(high))
}

func (s *SoC) ReadPin(pin hw.PinBinding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pinKey{pin.Port, pin.Pin}].level
}

// PinMode returns the routing recorded for pin.
func (s *SoC) PinMode(pin hw.PinBinding) PinMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[pinKey{pin.Port, pin.Pin}].mode
}

// Drive sets the external level of an input pin and runs edge detection on
// its port.
func (s *SoC) Drive(pin hw.PinBinding, high bool) {
	s.mu.Lock()
	k := pinKey{pin.Port, pin.Pin}
	st := s.pins[k]
	old := st.level
	st.level = high
	s.pins[k] = st
	port := s.ports[pin.Port]
	s.mu.Unlock()
	if port != nil {
		port.detect(pin.Pin, old, high)
	}
}

// ---- blocks ----

// AddUART creates a UART block named name on source src.
func (s *SoC) AddUART(name string, src irq.Source) *UART {
	u := &UART{soc: s, name: name, src: src, fifo: true}
	s.mu.Lock()
	s.uarts[name] = u
	s.mu.Unlock()
	return u
}

// AddSSI creates an SSI block named name on source src.
func (s *SoC) AddSSI(name string, src irq.Source) *SSI {
	b := &SSI{soc: s, name: name, src: src}
	s.mu.Lock()
	s.ssis[name] = b
	s.mu.Unlock()
	return b
}

// AddI2C creates an I2C master named name on source src.
func (s *SoC) AddI2C(name string, src irq.Source) *I2C {
	b := &I2C{soc: s, name: name, src: src, targets: map[uint8]Target{}}
	s.mu.Lock()
	s.i2cs[name] = b
	s.mu.Unlock()
	return b
}

// AddGPIOPort creates the interrupt side of port whose port-level line is src.
func (s *SoC) AddGPIOPort(port uint8, src irq.Source) *GPIOPort {
	p := &GPIOPort{soc: s, port: port, src: src}
	s.mu.Lock()
	s.ports[port] = p
	s.mu.Unlock()
	return p
}

func (s *SoC) UART(name string) (hw.UARTBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uarts[name]
	return u, ok
}

func (s *SoC) SSI(name string) (hw.SSIBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.ssis[name]
	return b, ok
}

func (s *SoC) I2C(name string) (hw.I2CMaster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.i2cs[name]
	return b, ok
}

func (s *SoC) GPIOPort(port uint8) (hw.GPIOPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[port]
	return p, ok
}

// SimUART returns the concrete simulated UART for test helpers.
func (s *SoC) SimUART(name string) *UART {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uarts[name]
}

func (s *SoC) SimSSI(name string) *SSI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssis[name]
}

func (s *SoC) SimI2C(name string) *I2C {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.i2cs[name]
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
