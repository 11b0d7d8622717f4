// Package hw declares the vendor capability set the drivers are written against:
// clock gating, pin multiplexing, the interrupt controller, and one register
// block interface per peripheral class. A platform supplies implementations
// (the simulator in hw/sim, host backends in platform/...).
//
// Every method is non-blocking. Busy flags are polled by the drivers.
package hw

import "periphcore-go/irq"

// PeriphID selects a peripheral for clock gating.
type PeriphID uint8

// ClockSource selects the clock feeding a peripheral's baud generator.
type ClockSource uint8

const (
	ClockSystem ClockSource = iota
	ClockIO
)

// Power gates peripheral clocks per power mode.
type Power interface {
	EnableClock(p PeriphID)
	// SetSleepClock keeps (run=true) or gates the clock in sleep mode.
	SetSleepClock(p PeriphID, run bool)
	// SetDeepSleepClock keeps or gates the clock in deep sleep (LPM1-3).
	SetDeepSleepClock(p PeriphID, run bool)
}

// PinMux routes pins to peripherals or to plain GPIO.
type PinMux interface {
	ConfigPeriphInput(pin PinBinding)
	ConfigPeriphOutput(pin PinBinding)
	ConfigInput(pin PinBinding)
	ConfigOutput(pin PinBinding)
	WritePin(pin PinBinding, high bool)
	ReadPin(pin PinBinding) bool
}

// IntController is the interrupt-controller view of a source (the NVIC line).
type IntController interface {
	EnableIRQ(src irq.Source)
	DisableIRQ(src irq.Source)
	ClearPending(src irq.Source)
	SetPriority(src irq.Source, prio uint8)
}

// Platform bundles the capabilities every driver needs besides its own block.
type Platform interface {
	Power
	PinMux
	IntController
}

// ---- UART ----

// UARTInt is a bit set of UART interrupt causes.
type UARTInt uint32

const (
	UARTIntRX UARTInt = 1 << 4 // receive
	UARTIntTX UARTInt = 1 << 5 // transmit (FIFO level or end of transmission)
	UARTIntRT UARTInt = 1 << 6 // receive timeout
	UARTIntOE UARTInt = 1 << 10
)

// TxIntMode selects when the TX interrupt fires.
type TxIntMode uint8

const (
	TxIntFIFO TxIntMode = iota // FIFO level crossed
	TxIntEOT                   // end of transmission: last bit left the shifter
)

func (m TxIntMode) String() string {
	if m == TxIntEOT {
		return "eot"
	}
	return "fifo"
}

// UARTBlock is one UART register block.
type UARTBlock interface {
	Enable()
	Disable()
	SetClockSource(c ClockSource)
	Configure(baud uint32, frame Frame)
	DisableFIFO()
	SetTxIntMode(m TxIntMode)

	IntEnable(m UARTInt)
	IntDisable(m UARTInt)
	IntStatus(masked bool) UARTInt
	IntClear(m UARTInt)

	// Busy reports a transmission in progress.
	Busy() bool
	// PutNonBlocking reports false when the transmitter cannot take a byte.
	PutNonBlocking(b byte) bool
	// GetNonBlocking reports false when nothing was received.
	GetNonBlocking() (byte, bool)
}

// ---- SPI (SSI) ----

// SSIInt is a bit set of SSI interrupt causes.
type SSIInt uint32

const (
	SSIRXOR SSIInt = 1 << 0 // receive overrun
	SSIRXTO SSIInt = 1 << 1 // receive timeout
	SSIRXFF SSIInt = 1 << 2 // receive FIFO half full or more
	SSITXFF SSIInt = 1 << 3 // transmit FIFO half empty or less
)

// SPIProtocol is the frame format.
type SPIProtocol uint8

const (
	MotoMode0 SPIProtocol = iota // CPOL=0 CPHA=0
	MotoMode1                    // CPOL=0 CPHA=1
	MotoMode2                    // CPOL=1 CPHA=0
	MotoMode3                    // CPOL=1 CPHA=1
	TISync
	Microwire
)

func (p SPIProtocol) String() string {
	switch p {
	case MotoMode0:
		return "mode0"
	case MotoMode1:
		return "mode1"
	case MotoMode2:
		return "mode2"
	case MotoMode3:
		return "mode3"
	case TISync:
		return "ti"
	case Microwire:
		return "microwire"
	}
	return "unknown"
}

// SPIRole is master or slave.
type SPIRole uint8

const (
	SPIMaster SPIRole = iota
	SPISlave
)

// SSIBlock is one synchronous serial interface register block.
type SSIBlock interface {
	Enable()
	Disable()
	SetClockSource(c ClockSource)
	Configure(proto SPIProtocol, role SPIRole, baud uint32, width uint8)

	IntEnable(m SSIInt)
	IntDisable(m SSIInt)
	IntStatus(masked bool) SSIInt
	IntClear(m SSIInt)

	Busy() bool
	PutNonBlocking(v uint32) bool
	GetNonBlocking() (uint32, bool)
}

// ---- I2C ----

// I2CCmd is a master control command.
type I2CCmd uint8

const (
	I2CSingleSend I2CCmd = iota
	I2CBurstSendStart
	I2CBurstSendCont
	I2CBurstSendFinish
	I2CBurstSendErrorStop
	I2CSingleReceive
	I2CBurstReceiveStart
	I2CBurstReceiveCont
	I2CBurstReceiveFinish
	I2CBurstReceiveErrorStop
)

// Starts reports whether the command begins with a START condition.
func (c I2CCmd) Starts() bool {
	switch c {
	case I2CSingleSend, I2CBurstSendStart, I2CSingleReceive, I2CBurstReceiveStart:
		return true
	}
	return false
}

// Stops reports whether the command ends with a STOP condition.
func (c I2CCmd) Stops() bool {
	switch c {
	case I2CSingleSend, I2CBurstSendFinish, I2CBurstSendErrorStop,
		I2CSingleReceive, I2CBurstReceiveFinish, I2CBurstReceiveErrorStop:
		return true
	}
	return false
}

// Receives reports whether the command clocks a byte in.
func (c I2CCmd) Receives() bool {
	switch c {
	case I2CSingleReceive, I2CBurstReceiveStart, I2CBurstReceiveCont, I2CBurstReceiveFinish:
		return true
	}
	return false
}

// Sends reports whether the command clocks the data register out.
func (c I2CCmd) Sends() bool {
	switch c {
	case I2CSingleSend, I2CBurstSendStart, I2CBurstSendCont, I2CBurstSendFinish:
		return true
	}
	return false
}

// I2CErr is the master error status.
type I2CErr uint8

const (
	I2CErrAddrAck I2CErr = 1 << 2
	I2CErrDataAck I2CErr = 1 << 3
	I2CErrArbLost I2CErr = 1 << 4
)

// I2CMaster is one I2C master register block.
type I2CMaster interface {
	MasterEnable()
	MasterDisable()
	InitClock(baud uint32)
	SetSlaveAddr(addr uint8, receive bool)
	DataPut(b byte)
	DataGet() byte
	Control(cmd I2CCmd)
	Busy() bool
	BusBusy() bool
	Err() I2CErr

	IntEnable()
	IntDisable()
	IntStatus(masked bool) bool
	IntClear()
}

// ---- GPIO ----

// GPIOPort is the interrupt side of one 8-pin GPIO port. Pin direction and
// levels go through PinMux.
type GPIOPort interface {
	SetIntType(mask uint8, e Edge)
	PinIntEnable(mask uint8)
	PinIntDisable(mask uint8)
	PinIntClear(mask uint8)
	PinIntStatus(masked bool) uint8
}

// pinSourceBase offsets per-pin sources above the controller's vector numbers.
const pinSourceBase = 0x100

// PinSource is the derived interrupt source of one GPIO pin. The port-level
// vector demultiplexes its status into these.
func PinSource(pin PinBinding) irq.Source {
	return irq.Source(pinSourceBase + uint16(pin.Port)*8 + uint16(pin.Pin))
}
