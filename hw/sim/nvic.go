package sim

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"periphcore-go/irq"
)

// NVIC simulates the interrupt controller.
//
// Raise marks a source pending; an enabled pending source is delivered by
// running its vector on the calling goroutine. Only one goroutine is ever in
// interrupt context: a Raise that finds the controller busy leaves the source
// pending and the active goroutine picks it up before it leaves (tail
// chaining). Pending sources are served lowest priority value first.
type NVIC struct {
	mu       sync.Mutex
	enabled  map[irq.Source]bool
	pending  map[irq.Source]bool
	prio     map[irq.Source]uint8
	vectors  map[irq.Source]func()
	taken    map[irq.Source]int
	dispatch func(irq.Source)

	isr   sync.Mutex
	inISR atomic.Bool
}

// NewNVIC returns a controller whose default vector is dispatch.
func NewNVIC(dispatch func(irq.Source)) *NVIC {
	if dispatch == nil {
		dispatch = func(irq.Source) {}
	}
	return &NVIC{
		enabled:  map[irq.Source]bool{},
		pending:  map[irq.Source]bool{},
		prio:     map[irq.Source]uint8{},
		vectors:  map[irq.Source]func(){},
		taken:    map[irq.Source]int{},
		dispatch: dispatch,
	}
}

// SetVector installs fn as the entry point for src in place of the default.
func (n *NVIC) SetVector(src irq.Source, fn func()) {
	n.mu.Lock()
	if fn == nil {
		delete(n.vectors, src)
	} else {
		n.vectors[src] = fn
	}
	n.mu.Unlock()
}

func (n *NVIC) EnableIRQ(src irq.Source) {
	n.mu.Lock()
	n.enabled[src] = true
	fire := n.pending[src]
	n.mu.Unlock()
	if fire {
		n.run()
	}
}

func (n *NVIC) DisableIRQ(src irq.Source) {
	n.mu.Lock()
	n.enabled[src] = false
	n.mu.Unlock()
}

func (n *NVIC) ClearPending(src irq.Source) {
	n.mu.Lock()
	delete(n.pending, src)
	n.mu.Unlock()
}

func (n *NVIC) SetPriority(src irq.Source, prio uint8) {
	n.mu.Lock()
	n.prio[src] = prio
	n.mu.Unlock()
}

// Enabled reports whether src is enabled at the controller.
func (n *NVIC) Enabled(src irq.Source) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled[src]
}

// Pending reports whether src is waiting for delivery.
func (n *NVIC) Pending(src irq.Source) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending[src]
}

// Priority returns the configured priority of src.
func (n *NVIC) Priority(src irq.Source) uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prio[src]
}

// Taken returns how many times src's vector has run.
func (n *NVIC) Taken(src irq.Source) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.taken[src]
}

// InInterrupt reports whether a vector is currently running.
func (n *NVIC) InInterrupt() bool { return n.inISR.Load() }

// Raise asserts src.
func (n *NVIC) Raise(src irq.Source) {
	n.mu.Lock()
	n.pending[src] = true
	fire := n.enabled[src]
	n.mu.Unlock()
	if fire {
		n.run()
	}
}

func (n *NVIC) run() {
	for {
		if !n.isr.TryLock() {
			return
		}
		n.inISR.Store(true)
		for {
			vec, ok := n.next()
			if !ok {
				break
			}
			vec()
		}
		n.inISR.Store(false)
		n.isr.Unlock()
		if !n.anyReady() {
			return
		}
	}
}

// next pops the most urgent enabled pending source. Entry clears pending.
func (n *NVIC) next() (func(), bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ready := make([]irq.Source, 0, len(n.pending))
	for s := range n.pending {
		if n.enabled[s] {
			ready = append(ready, s)
		}
	}
	if len(ready) == 0 {
		return nil, false
	}
	sort.Slice(ready, func(i, j int) bool {
		pi, pj := n.prio[ready[i]], n.prio[ready[j]]
		if pi != pj {
			return pi < pj
		}
		return ready[i] < ready[j]
	})
	src := ready[0]
	delete(n.pending, src)
	n.taken[src]++
	if fn, ok := n.vectors[src]; ok {
		return fn, true
	}
	d := n.dispatch
	return func() { d(src) }, true
}

func (n *NVIC) anyReady() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.pending {
		if n.enabled[s] {
			return true
		}
	}
	return false
}
