package ethernet

import (
	"sync"

	"periphcore-go/errcode"
	"periphcore-go/irq"
)

// Loopback is an in-memory Device: every transmitted frame is queued for
// receive and the device callback fires once per frame.
type Loopback struct {
	mu     sync.Mutex
	mac    MAC
	up     bool
	queue  [][]byte
	cb     irq.Slot
	MaxLen int // frames longer than this fail; 0 means DefaultMaxLen
}

func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Init(mac MAC) error {
	l.mu.Lock()
	l.mac, l.up = mac, true
	l.mu.Unlock()
	return nil
}

func (l *Loopback) MAC() MAC {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mac
}

func (l *Loopback) SetCallback(cb irq.Callback) { l.cb.Set(cb) }

func (l *Loopback) TransmitFrame(frame []byte) error {
	limit := l.MaxLen
	if limit == 0 {
		limit = DefaultMaxLen
	}
	l.mu.Lock()
	if !l.up {
		l.mu.Unlock()
		return errcode.New(errcode.NotEnabled, "loopback.TransmitFrame", "not initialised")
	}
	if len(frame) == 0 || len(frame) > limit {
		l.mu.Unlock()
		return errcode.New(errcode.InvalidParams, "loopback.TransmitFrame", "bad frame length")
	}
	l.queue = append(l.queue, append([]byte(nil), frame...))
	l.mu.Unlock()
	l.cb.Execute()
	return nil
}

func (l *Loopback) ReceiveFrame(buf []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return 0, errcode.NoData
	}
	f := l.queue[0]
	if len(buf) < len(f) {
		return 0, errcode.New(errcode.InvalidParams, "loopback.ReceiveFrame", "buffer too small")
	}
	l.queue = l.queue[1:]
	return copy(buf, f), nil
}
