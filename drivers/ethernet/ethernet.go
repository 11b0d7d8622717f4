// Package ethernet wraps a frame-level network device, counting outcomes and
// forwarding the device interrupt to one external callback.
package ethernet

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/errcode"
	"periphcore-go/irq"
	"periphcore-go/logging"
)

// MAC is a 48-bit hardware address.
type MAC [6]byte

// Device is the low-level controller (e.g. an SPI-attached MAC/PHY).
type Device interface {
	Init(mac MAC) error
	// SetCallback installs the callback run from the device's interrupt.
	SetCallback(cb irq.Callback)
	TransmitFrame(frame []byte) error
	// ReceiveFrame copies one pending frame into buf. It returns
	// errcode.NoData when nothing is pending.
	ReceiveFrame(buf []byte) (int, error)
}

type Stats struct {
	SentFrames          uint32
	SentFramesError     uint32
	ReceivedFrames      uint32
	ReceivedFramesError uint32
}

type Ethernet struct {
	dev Device
	cb  irq.Slot
	log *zap.Logger

	sent    atomic.Uint32
	sentErr atomic.Uint32
	recv    atomic.Uint32
	recvErr atomic.Uint32
}

func New(dev Device, logger *zap.Logger) *Ethernet {
	return &Ethernet{dev: dev, log: logging.OrNop(logger)}
}

// Init initialises the device and routes its interrupt through the wrapper.
func (e *Ethernet) Init(mac MAC) error {
	if err := e.dev.Init(mac); err != nil {
		e.log.Warn("device init failed", zap.Error(err))
		return err
	}
	e.dev.SetCallback(irq.Bind(e, (*Ethernet).interruptHandler))
	return nil
}

func (e *Ethernet) interruptHandler() { e.cb.Execute() }

// SetCallback installs the callback run on every device interrupt.
func (e *Ethernet) SetCallback(cb irq.Callback) { e.cb.Set(cb) }

func (e *Ethernet) ClearCallback() { e.cb.Clear() }

func (e *Ethernet) TransmitFrame(frame []byte) error {
	err := e.dev.TransmitFrame(frame)
	switch errcode.ResultOf(err) {
	case errcode.Success:
		e.sent.Inc()
	case errcode.Failure:
		e.sentErr.Inc()
	}
	return err
}

func (e *Ethernet) ReceiveFrame(buf []byte) (int, error) {
	n, err := e.dev.ReceiveFrame(buf)
	switch errcode.ResultOf(err) {
	case errcode.Success:
		e.recv.Inc()
	case errcode.Failure:
		e.recvErr.Inc()
	}
	return n, err
}

// Stats returns a snapshot of the counters. Fields are read independently.
func (e *Ethernet) Stats() Stats {
	return Stats{
		SentFrames:          e.sent.Load(),
		SentFramesError:     e.sentErr.Load(),
		ReceivedFrames:      e.recv.Load(),
		ReceivedFramesError: e.recvErr.Load(),
	}
}
