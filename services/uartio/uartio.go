// Package uartio turns UART receive interrupts into framed events.
//
// The driver's RX callback drains the receive holding register into a
// shmring in interrupt context. One goroutine per reader parks on the ring
// and publishes raw chunks or LF-terminated lines to a shared queue.
package uartio

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/errcode"
	"periphcore-go/irq"
	"periphcore-go/logging"
	"periphcore-go/x/mathx"
	"periphcore-go/x/shmring"
	"periphcore-go/x/timex"
)

type Dir string

const (
	DirRX Dir = "rx"
	DirTX Dir = "tx"
)

type Mode string

const (
	ModeBytes Mode = "bytes"
	ModeLines Mode = "lines"
)

type Event struct {
	DevID string
	Dir   Dir
	Data  []byte
	TS    time.Time
}

// Port is the part of *uart.UART a reader uses. Interrupts must already be
// enabled on it.
type Port interface {
	ReadByte() (byte, error)
	SetRxCallback(cb irq.Callback)
	ClearRxCallback()
}

type ReaderCfg struct {
	DevID     string
	Port      Port
	Mode      Mode          // "bytes" | "lines"
	MaxFrame  int           // clamp 16..256
	IdleFlush time.Duration // clamp 0..2s (lines mode)
	RingSize  int           // 0 means 256
}

type Worker struct {
	outQ chan Event
	log  *zap.Logger

	mu      sync.Mutex
	readers map[string]func()

	drops atomic.Uint32 // bytes refused by a full ring
	lost  atomic.Uint32 // events refused by a full queue
}

func New(outBuf int, logger *zap.Logger) *Worker {
	if outBuf <= 0 {
		outBuf = 64
	}
	return &Worker{
		outQ:    make(chan Event, outBuf),
		log:     logging.OrNop(logger).Named("uartio"),
		readers: map[string]func(){},
	}
}

func (w *Worker) Events() <-chan Event { return w.outQ }

// Drops counts received bytes discarded because a reader's ring was full.
func (w *Worker) Drops() uint32 { return w.drops.Load() }

// Lost counts events discarded because the consumer was slow.
func (w *Worker) Lost() uint32 { return w.lost.Load() }

// capture returns the RX callback: it empties the receiver into r.
func (w *Worker) capture(p Port, r *shmring.Ring) irq.Callback {
	return irq.Func(func() {
		for {
			b, err := p.ReadByte()
			if err != nil {
				return
			}
			if !r.TryWriteByte(b) {
				w.drops.Inc()
			}
		}
	})
}

// Register installs the RX callback on cfg.Port and starts its reader.
// The returned cancel stops the reader, clears the callback and waits for
// the goroutine to exit.
func (w *Worker) Register(ctx context.Context, cfg ReaderCfg) (func(), error) {
	if cfg.Port == nil {
		return nil, errcode.New(errcode.InvalidParams, "uartio.Register", "nil port")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeBytes
	case ModeBytes, ModeLines:
	default:
		return nil, errcode.New(errcode.InvalidParams, "uartio.Register", "unknown mode "+string(cfg.Mode))
	}
	cfg.MaxFrame = mathx.Clamp(cfg.MaxFrame, 16, 256)
	cfg.IdleFlush = mathx.Clamp(cfg.IdleFlush, 0, 2*time.Second)
	if cfg.RingSize <= 0 {
		cfg.RingSize = 256
	}

	w.mu.Lock()
	if _, dup := w.readers[cfg.DevID]; dup {
		w.mu.Unlock()
		return nil, errcode.New(errcode.AlreadyRegistered, "uartio.Register", cfg.DevID)
	}
	ring := shmring.New(cfg.RingSize)
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	stop := func() {
		cancel()
		cfg.Port.ClearRxCallback()
		<-done
	}
	w.readers[cfg.DevID] = stop
	w.mu.Unlock()

	cfg.Port.SetRxCallback(w.capture(cfg.Port, ring))
	go func() {
		defer close(done)
		w.read(cctx, cfg, ring)
	}()
	w.log.Debug("reader started", zap.String("dev", cfg.DevID), zap.String("mode", string(cfg.Mode)),
		zap.Int("ring", ring.Cap()))

	return func() {
		w.mu.Lock()
		delete(w.readers, cfg.DevID)
		w.mu.Unlock()
		stop()
	}, nil
}

// Close stops every reader.
func (w *Worker) Close() {
	w.mu.Lock()
	stops := make([]func(), 0, len(w.readers))
	for id, s := range w.readers {
		stops = append(stops, s)
		delete(w.readers, id)
	}
	w.mu.Unlock()
	for _, s := range stops {
		s()
	}
}

func (w *Worker) read(ctx context.Context, cfg ReaderCfg, ring *shmring.Ring) {
	buf := make([]byte, cfg.MaxFrame)
	var line []byte
	timer := timex.NewStoppedTimer()
	defer timer.Stop()

	flush := func(now time.Time) {
		if len(line) == 0 {
			return
		}
		w.emit(Event{DevID: cfg.DevID, Dir: DirRX, Data: append([]byte(nil), line...), TS: now})
		line = line[:0]
	}

	for {
		// Arm idle flush only when needed.
		if cfg.Mode == ModeLines && len(line) > 0 && cfg.IdleFlush > 0 {
			timex.ResetTimer(timer, cfg.IdleFlush)
		} else if !timer.Stop() {
			timex.DrainTimer(timer)
		}
		select {
		case <-ctx.Done():
			return
		case <-ring.Readable():
			for {
				n := ring.TryReadInto(buf)
				if n == 0 {
					break
				}
				now := time.Now()
				if cfg.Mode == ModeBytes {
					w.emit(Event{DevID: cfg.DevID, Dir: DirRX, Data: append([]byte(nil), buf[:n]...), TS: now})
					continue
				}
				// CR is dropped, LF terminates; a full line is flushed as is.
				for _, b := range buf[:n] {
					switch b {
					case '\n':
						flush(now)
					case '\r':
					default:
						line = append(line, b)
						if len(line) == cfg.MaxFrame {
							flush(now)
						}
					}
				}
			}
		case <-timer.C:
			flush(time.Now())
		}
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.outQ <- ev:
	default:
		w.lost.Inc()
	}
}

// EmitTX publishes a TX echo event.
func (w *Worker) EmitTX(devID string, data []byte) {
	w.emit(Event{DevID: devID, Dir: DirTX, Data: append([]byte(nil), data...), TS: time.Now()})
}
