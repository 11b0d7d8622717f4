package errcode

import "errors"

// Code is a stable, caller-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"

	// Driver lifecycle
	NotEnabled        Code = "not_enabled"
	AlreadyRegistered Code = "already_registered"

	// Data path
	NoData Code = "no_data"
	Nack   Code = "nack"
	Wedged Code = "wedged" // a busy flag never cleared within the spin limit

	// Board bring-up
	UnknownBus Code = "unknown_bus"
	UnknownPin Code = "unknown_pin"
	PinInUse   Code = "pin_in_use"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New builds an *E for op with code c.
func New(c Code, op, msg string) *E { return &E{C: c, Op: op, Msg: msg} }

// Of extracts a Code from an error, defaulting to Error.
// Wrapped errors are unwrapped until the outermost Code or coder is found.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch x := e.(type) {
		case Code:
			return x
		case coder:
			return x.Code()
		}
	}
	return Error
}

// Is reports whether err carries code c.
func Is(err error, c Code) bool { return Of(err) == c }

// Result is the two-valued outcome used by device wrappers to keep counters.
type Result uint8

const (
	Success Result = iota
	Failure
	// Neutral results are neither success nor failure (e.g. nothing to receive).
	Neutral
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "error"
	default:
		return "neutral"
	}
}

// ResultOf maps an operation error to a Result. NoData is Neutral.
func ResultOf(err error) Result {
	switch Of(err) {
	case OK:
		return Success
	case NoData:
		return Neutral
	default:
		return Failure
	}
}
