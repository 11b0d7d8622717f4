//go:build linux

// Package linuxgpio drives GPIO lines through the Linux character device
// (/dev/gpiochipN). Input satisfies the edge worker's input interface and
// Output the hal output interface, so board inputs and LEDs on a Linux
// host flow through the same services as on-chip pins.
package linuxgpio

import (
	"sync"

	"github.com/mkch/gpio"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
)

const consumer = "periphcore"

// Input watches one line for edges. The kernel reports both edges; events
// that do not match the requested edge are dropped here.
type Input struct {
	line  *gpio.LineWithEvent
	edge  hw.Edge
	log   *zap.Logger
	cb    irq.Slot
	armed atomic.Bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenInput requests offset on chip as an edge-reporting input.
func OpenInput(chip string, offset uint32, edge hw.Edge, logger *zap.Logger) (*Input, error) {
	switch edge {
	case hw.EdgeRising, hw.EdgeFalling, hw.EdgeBoth:
	default:
		return nil, errors.Wrapf(errcode.Unsupported, "line %d: edge %s", offset, edge)
	}
	c, err := gpio.OpenChip(chip)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", chip)
	}
	defer c.Close()

	line, err := c.OpenLineWithEvents(offset, gpio.Input, gpio.BothEdges, consumer)
	if err != nil {
		return nil, errors.Wrapf(err, "%s line %d", chip, offset)
	}
	in := &Input{
		line: line,
		edge: edge,
		log:  logging.OrNop(logger).With(zap.String("chip", chip), zap.Uint32("line", offset)),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go in.monitor()
	return in, nil
}

func (in *Input) monitor() {
	defer close(in.done)
	for {
		select {
		case <-in.stop:
			return
		case ev, ok := <-in.line.Events():
			if !ok {
				return
			}
			if !in.armed.Load() {
				continue
			}
			if (in.edge == hw.EdgeRising && !ev.RisingEdge) || (in.edge == hw.EdgeFalling && ev.RisingEdge) {
				continue
			}
			in.cb.Execute()
		}
	}
}

func (in *Input) Read() bool {
	v, err := in.line.Value()
	if err != nil {
		in.log.Warn("read failed", zap.Error(err))
		return false
	}
	return v != 0
}

func (in *Input) SetCallback(cb irq.Callback) error {
	if cb == nil {
		return errcode.New(errcode.InvalidParams, "linuxgpio.SetCallback", "nil callback")
	}
	in.cb.Set(cb)
	return nil
}

func (in *Input) ClearCallback()     { in.cb.Clear() }
func (in *Input) EnableInterrupts()  { in.armed.Store(true) }
func (in *Input) DisableInterrupts() { in.armed.Store(false) }

// Close stops the monitor and releases the line.
func (in *Input) Close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.stop)
		<-in.done
		err = in.line.Close()
	})
	return err
}

// Output is a push-pull output line.
type Output struct {
	line *gpio.Line
	log  *zap.Logger
}

// OpenOutput requests offset on chip as an output driven to initial.
func OpenOutput(chip string, offset uint32, initial bool, logger *zap.Logger) (*Output, error) {
	c, err := gpio.OpenChip(chip)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", chip)
	}
	defer c.Close()

	line, err := c.OpenLine(offset, level(initial), gpio.Output, consumer)
	if err != nil {
		return nil, errors.Wrapf(err, "%s line %d", chip, offset)
	}
	return &Output{
		line: line,
		log:  logging.OrNop(logger).With(zap.String("chip", chip), zap.Uint32("line", offset)),
	}, nil
}

func (o *Output) Set(high bool) {
	if err := o.line.SetValue(level(high)); err != nil {
		o.log.Warn("write failed", zap.Error(err))
	}
}

func (o *Output) Status() bool {
	v, err := o.line.Value()
	if err != nil {
		o.log.Warn("read failed", zap.Error(err))
		return false
	}
	return v != 0
}

func (o *Output) Toggle() { o.Set(!o.Status()) }

func (o *Output) Close() error { return o.line.Close() }

func level(high bool) byte {
	if high {
		return 1
	}
	return 0
}
