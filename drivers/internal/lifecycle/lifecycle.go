// Package lifecycle tracks the Disabled → Enabled ⇄ Sleeping state shared by
// the bus drivers.
package lifecycle

import (
	"go.uber.org/atomic"

	"periphcore-go/errcode"
)

type State uint32

const (
	Disabled State = iota
	Enabled
	Sleeping
)

func (s State) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case Sleeping:
		return "sleeping"
	default:
		return "disabled"
	}
}

// Tracker holds a driver's state. The zero value is Disabled.
type Tracker struct {
	s atomic.Uint32
}

func (t *Tracker) Load() State   { return State(t.s.Load()) }
func (t *Tracker) Set(s State)   { t.s.Store(uint32(s)) }
func (t *Tracker) Started() bool { return t.Load() != Disabled }

// Require fails with errcode.NotEnabled unless the driver is Enabled.
func (t *Tracker) Require(op string) error {
	if s := t.Load(); s != Enabled {
		return errcode.New(errcode.NotEnabled, op, s.String())
	}
	return nil
}

// RequireStarted fails with errcode.NotEnabled until the first Enable.
func (t *Tracker) RequireStarted(op string) error {
	if !t.Started() {
		return errcode.New(errcode.NotEnabled, op, Disabled.String())
	}
	return nil
}
