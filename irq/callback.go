package irq

import "go.uber.org/atomic"

// Callback is a zero-argument unit of work run from interrupt context.
// Implementations must not block: signal a task (osal.BinarySignal) or poke
// a register and return.
type Callback interface {
	Execute()
}

// Func adapts a plain function or closure to Callback.
type Func func()

func (f Func) Execute() { f() }

// Method is a bound-method callback: fn is called with recv.
// The callback does not own recv.
type Method[T any] struct {
	recv *T
	fn   func(*T)
}

// Bind returns a Callback that calls fn(recv), typically with a method
// expression such as (*Ethernet).interruptHandler.
func Bind[T any](recv *T, fn func(*T)) *Method[T] {
	return &Method[T]{recv: recv, fn: fn}
}

func (m *Method[T]) Execute() { m.fn(m.recv) }

// Closure carries one captured argument to fn.
type Closure[A any] struct {
	fn  func(A)
	arg A
}

// With returns a Callback that calls fn(arg).
func With[A any](fn func(A), arg A) *Closure[A] {
	return &Closure[A]{fn: fn, arg: arg}
}

func (c *Closure[A]) Execute() { c.fn(c.arg) }

// Slot holds at most one Callback. Set and Clear are called from task context;
// Execute is called from interrupt context and is a no-op when empty.
type Slot struct {
	p atomic.Pointer[slotBox]
}

type slotBox struct{ cb Callback }

// Set installs cb. A nil cb clears the slot.
func (s *Slot) Set(cb Callback) {
	if cb == nil {
		s.p.Store(nil)
		return
	}
	s.p.Store(&slotBox{cb: cb})
}

// Clear empties the slot.
func (s *Slot) Clear() { s.p.Store(nil) }

// IsSet reports whether a callback is installed.
func (s *Slot) IsSet() bool { return s.p.Load() != nil }

// Execute runs the installed callback, if any.
func (s *Slot) Execute() {
	if b := s.p.Load(); b != nil {
		b.cb.Execute()
	}
}
