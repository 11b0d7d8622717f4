// Package osal holds the task-side synchronisation primitives the drivers park on:
// a binary signal that interrupt context may give, a FIFO mutex for shared buses,
// and the bounded spin-wait used for hardware busy flags.
package osal

// BinarySignal is a single-slot, non-counting notification.
//
// The state is either idle or given. Giving an already given signal is a no-op,
// so any number of gives between two takes release exactly one Take.
// The zero value is not usable; use NewBinarySignal.
type BinarySignal struct {
	ch chan struct{}
}

// NewBinarySignal returns an idle signal.
func NewBinarySignal() *BinarySignal {
	return &BinarySignal{ch: make(chan struct{}, 1)}
}

// NewGivenBinarySignal returns a signal that starts in the given state.
// Drivers use it for ownership tokens that are initially free.
func NewGivenBinarySignal() *BinarySignal {
	s := NewBinarySignal()
	s.ch <- struct{}{}
	return s
}

// GiveFromInterrupt sets the signal. Safe from interrupt context: it never
// blocks and never allocates.
func (s *BinarySignal) GiveFromInterrupt() {
	select {
	case s.ch <- struct{}{}:
	default:
		// already given
	}
}

// Give is the task-context variant of GiveFromInterrupt.
func (s *BinarySignal) Give() { s.GiveFromInterrupt() }

// Take parks the calling goroutine until the signal is given, then consumes it.
// There is no timeout.
func (s *BinarySignal) Take() { <-s.ch }

// TryTake consumes the signal if it is given and reports whether it did.
func (s *BinarySignal) TryTake() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Given reports the current state without consuming it.
func (s *BinarySignal) Given() bool { return len(s.ch) == 1 }
