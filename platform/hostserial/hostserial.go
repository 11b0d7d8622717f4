// Package hostserial runs a host serial device (a USB adapter or a pty)
// behind the receive interface of the on-chip UART driver, so the line
// reader and the hal bridge work against real hardware from a workstation.
//
// A pump goroutine reads the device, queues the bytes and runs the receive
// callback the way the UART interrupt would. ReadByte drains the queue.
package hostserial

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/errcode"
	"periphcore-go/irq"
	"periphcore-go/logging"
)

type Config struct {
	Device string
	Baud   int
	// ReadTimeout > 0 lets the pump notice Close without traffic.
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

type Port struct {
	rw      io.ReadWriteCloser
	timeout bool
	log     *zap.Logger

	mu sync.Mutex
	rx []byte

	cb     irq.Slot
	closed atomic.Bool
	done   chan struct{}
	rxN    atomic.Uint64
}

// Open opens cfg.Device and starts the pump.
func Open(cfg Config) (*Port, error) {
	sp, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", cfg.Device)
	}
	log := logging.OrNop(cfg.Logger).With(zap.String("serial", cfg.Device))
	return newPort(sp, cfg.ReadTimeout > 0, log), nil
}

func newPort(rw io.ReadWriteCloser, timeout bool, log *zap.Logger) *Port {
	p := &Port{rw: rw, timeout: timeout, log: log, done: make(chan struct{})}
	go p.pump()
	return p
}

func (p *Port) pump() {
	defer close(p.done)
	buf := make([]byte, 64)
	for {
		n, err := p.rw.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.rx = append(p.rx, buf[:n]...)
			p.mu.Unlock()
			p.rxN.Add(uint64(n))
			p.cb.Execute()
		}
		switch {
		case err == nil:
		case p.closed.Load():
			return
		case err == io.EOF && p.timeout:
			// Read timed out with nothing pending.
		default:
			p.log.Warn("read failed, stopping", zap.Error(err))
			return
		}
	}
}

// ReadByte returns the oldest received byte, or errcode.NoData.
func (p *Port) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rx) == 0 {
		return 0, errcode.NoData
	}
	b := p.rx[0]
	p.rx = p.rx[1:]
	return b, nil
}

func (p *Port) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, errcode.New(errcode.NotEnabled, "hostserial.Write", "closed")
	}
	return p.rw.Write(b)
}

func (p *Port) SetRxCallback(cb irq.Callback) { p.cb.Set(cb) }
func (p *Port) ClearRxCallback()              { p.cb.Clear() }

// Received counts bytes read from the device.
func (p *Port) Received() uint64 { return p.rxN.Load() }

// Close closes the device and waits for the pump to stop.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.rw.Close()
	<-p.done
	return err
}
