// Package gpioirq moves GPIO input edges out of interrupt context.
//
// Each registered input gets a callback that samples the pin and posts it to
// a bounded queue without blocking. A single worker goroutine applies
// inversion, debounce and edge classification, then publishes Events.
package gpioirq

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
)

// Event is delivered from the worker to its consumer.
type Event struct {
	DevID string
	Level int // 0/1 after inversion
	Edge  hw.Edge
	TS    time.Time
}

// Input is the part of *gpio.In the worker drives.
type Input interface {
	Read() bool
	SetCallback(cb irq.Callback) error
	ClearCallback()
	EnableInterrupts()
	DisableInterrupts()
}

type InputCfg struct {
	DevID    string
	In       Input
	Edge     hw.Edge // reported edges; EdgeNone registers nothing
	Debounce time.Duration
	Invert   bool
}

type Worker struct {
	// Written from interrupt context; never blocks.
	isrQ    chan sample
	outQ    chan Event
	stopped chan struct{}
	log     *zap.Logger

	mu     sync.RWMutex
	inputs map[string]*watch

	drops atomic.Uint32 // samples refused by a full isrQ
	lost  atomic.Uint32 // events refused by a full outQ
}

type sample struct {
	devID string
	level bool
	ts    time.Time
}

type watch struct {
	cfg       InputCfg
	lastLevel bool
	lastEvent time.Time
}

func New(isrBuf, outBuf int, logger *zap.Logger) *Worker {
	if isrBuf <= 0 {
		isrBuf = 64
	}
	if outBuf <= 0 {
		outBuf = 64
	}
	return &Worker{
		isrQ:    make(chan sample, isrBuf),
		outQ:    make(chan Event, outBuf),
		stopped: make(chan struct{}),
		log:     logging.OrNop(logger).Named("gpioirq"),
		inputs:  map[string]*watch{},
	}
}

// Start runs the worker until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-w.isrQ:
				w.handle(s)
			}
		}
	}()
}

// Done is closed once the worker goroutine has returned.
func (w *Worker) Done() <-chan struct{} { return w.stopped }

func (w *Worker) Events() <-chan Event { return w.outQ }

// RegisterInput installs the sampling callback and arms the pin. The
// returned cancel disarms it and clears the callback.
func (w *Worker) RegisterInput(cfg InputCfg) (func(), error) {
	if cfg.In == nil {
		return nil, errcode.New(errcode.InvalidParams, "gpioirq.RegisterInput", "nil input")
	}
	if cfg.Edge == hw.EdgeNone {
		return func() {}, nil
	}

	w.mu.Lock()
	if _, dup := w.inputs[cfg.DevID]; dup {
		w.mu.Unlock()
		return nil, errcode.New(errcode.AlreadyRegistered, "gpioirq.RegisterInput", cfg.DevID)
	}
	// Initial logical level, so the first edge compares like-for-like.
	wh := &watch{cfg: cfg, lastLevel: cfg.In.Read() != cfg.Invert}
	w.inputs[cfg.DevID] = wh
	w.mu.Unlock()

	in, devID := cfg.In, cfg.DevID
	err := in.SetCallback(irq.Func(func() {
		select {
		case w.isrQ <- sample{devID: devID, level: in.Read(), ts: time.Now()}:
		default:
			w.drops.Inc()
		}
	}))
	if err != nil {
		w.mu.Lock()
		delete(w.inputs, devID)
		w.mu.Unlock()
		return nil, err
	}
	in.EnableInterrupts()
	w.log.Debug("input registered", zap.String("dev", devID), zap.Stringer("edge", cfg.Edge),
		zap.Duration("debounce", cfg.Debounce), zap.Bool("invert", cfg.Invert))

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if cur, ok := w.inputs[devID]; ok && cur == wh {
			in.DisableInterrupts()
			in.ClearCallback()
			delete(w.inputs, devID)
		}
	}, nil
}

func (w *Worker) handle(s sample) {
	w.mu.RLock()
	wh := w.inputs[s.devID]
	w.mu.RUnlock()
	if wh == nil {
		return
	}
	level := s.level != wh.cfg.Invert

	if !wh.lastEvent.IsZero() && s.ts.Sub(wh.lastEvent) < wh.cfg.Debounce {
		return
	}

	var e hw.Edge
	switch wh.cfg.Edge {
	case hw.EdgeBoth:
		switch {
		case !wh.lastLevel && level:
			e = hw.EdgeRising
		case wh.lastLevel && !level:
			e = hw.EdgeFalling
		}
	default:
		// The trigger already selected the direction.
		e = wh.cfg.Edge
	}

	if e != hw.EdgeNone {
		ev := Event{DevID: s.devID, Level: boolToInt(level), Edge: e, TS: s.ts}
		select {
		case w.outQ <- ev:
		default:
			w.lost.Inc()
		}
	}
	wh.lastLevel = level
	wh.lastEvent = s.ts
}

// ISRDrops counts samples lost between interrupt context and the worker.
func (w *Worker) ISRDrops() uint32 { return w.drops.Load() }

// Lost counts events dropped because the consumer was slow.
func (w *Worker) Lost() uint32 { return w.lost.Load() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
