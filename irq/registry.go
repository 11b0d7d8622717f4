// Package irq routes hardware interrupt sources to the driver that owns them.
//
// A Registry is built once at board bring-up and handed to every driver.
// Drivers register themselves when they arm interrupts; the low-level vector
// (or a simulator standing in for it) calls Dispatch with the source number.
package irq

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/errcode"
	"periphcore-go/logging"
)

// Source identifies an interrupt source (a vector number, or a derived number
// for per-pin GPIO sources).
type Source uint16

func (s Source) String() string { return fmt.Sprintf("irq%d", uint16(s)) }

// Handler is implemented by every driver that can own a source.
// InterruptHandler runs in interrupt context: bounded time, no blocking.
type Handler interface {
	InterruptHandler()
}

type table map[Source]Handler

// Registry maps each Source to at most one Handler.
//
// Writers copy the table under mu and publish it atomically, so Dispatch is a
// single atomic load plus a map read and never waits on a writer.
type Registry struct {
	mu      sync.Mutex
	tbl     atomic.Pointer[table]
	dropped atomic.Uint32
	log     *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registration events.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNop(l) }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	t := table{}
	r.tbl.Store(&t)
	return r
}

// Register binds h to src.
//
// Registering the handler that already owns src succeeds without change.
// Registering a different handler for a claimed source is rejected with
// errcode.AlreadyRegistered and the current owner stays active.
//
// Ownership is decided by handler identity, so h must have a comparable
// dynamic type (typically a pointer). Others, such as a func type with an
// InterruptHandler method, are rejected with errcode.InvalidParams.
func (r *Registry) Register(src Source, h Handler) error {
	if h == nil {
		return errors.Wrapf(errcode.InvalidParams, "register %v: nil handler", src)
	}
	if !reflect.TypeOf(h).Comparable() {
		return errors.Wrapf(errcode.InvalidParams, "register %v: handler %T has no identity", src, h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.tbl.Load()
	if owner, ok := cur[src]; ok {
		if owner == h {
			return nil
		}
		r.log.Warn("interrupt source already claimed",
			zap.Stringer("source", src),
			zap.String("owner", fmt.Sprintf("%T", owner)),
			zap.String("rejected", fmt.Sprintf("%T", h)))
		return errors.Wrapf(errcode.AlreadyRegistered, "register %v", src)
	}

	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[src] = h
	r.tbl.Store(&next)
	r.log.Debug("interrupt source registered", zap.Stringer("source", src))
	return nil
}

// Unregister removes src only if h currently owns it.
func (r *Registry) Unregister(src Source, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == nil || !reflect.TypeOf(h).Comparable() {
		return false
	}
	cur := *r.tbl.Load()
	if owner, ok := cur[src]; !ok || owner != h {
		return false
	}
	next := make(table, len(cur))
	for k, v := range cur {
		if k != src {
			next[k] = v
		}
	}
	r.tbl.Store(&next)
	return true
}

// Lookup returns the handler bound to src.
func (r *Registry) Lookup(src Source) (Handler, bool) {
	h, ok := (*r.tbl.Load())[src]
	return h, ok
}

// Dispatch runs the handler bound to src. Called only from interrupt context.
// Unbound sources are dropped and counted.
func (r *Registry) Dispatch(src Source) {
	h, ok := (*r.tbl.Load())[src]
	if !ok {
		r.dropped.Inc()
		return
	}
	h.InterruptHandler()
}

// Dropped returns how many dispatches found no handler.
func (r *Registry) Dropped() uint32 { return r.dropped.Load() }
