// Package shmring is a single-producer, single-consumer byte ring.
//
// The producer may run in interrupt context: TryWriteByte and TryWriteFrom
// never block and never allocate. The consumer parks on Readable, a
// one-token channel signalled after every accepted write. Tokens coalesce, so
// a consumer drains until TryReadInto returns 0 before parking again.
package shmring

import "go.uber.org/atomic"

// Ring indexes are free-running; only their difference matters.
type Ring struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32
	wr   atomic.Uint32

	readable chan struct{}
	writable chan struct{}
}

// New returns a ring holding at least size bytes. The capacity is rounded up
// to a power of two, minimum 2.
func New(size int) *Ring {
	n := 2
	for n < size {
		n <<= 1
	}
	return &Ring{
		buf:      make([]byte, n),
		mask:     uint32(n - 1),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func (r *Ring) Cap() int { return len(r.buf) }

// Len is the number of unread bytes.
func (r *Ring) Len() int { return int(r.wr.Load() - r.rd.Load()) }

// Space is the number of bytes that can be written without overwriting.
func (r *Ring) Space() int { return len(r.buf) - r.Len() }

func (r *Ring) Readable() <-chan struct{} { return r.readable }
func (r *Ring) Writable() <-chan struct{} { return r.writable }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// TryWriteByte appends b, reporting false when the ring is full.
func (r *Ring) TryWriteByte(b byte) bool {
	wr, rd := r.wr.Load(), r.rd.Load()
	if wr-rd == uint32(len(r.buf)) {
		return false
	}
	r.buf[wr&r.mask] = b
	r.wr.Store(wr + 1)
	notify(r.readable)
	return true
}

// TryWriteFrom copies as much of src as fits and returns the count.
func (r *Ring) TryWriteFrom(src []byte) int {
	wr, rd := r.wr.Load(), r.rd.Load()
	n := len(r.buf) - int(wr-rd)
	if n > len(src) {
		n = len(src)
	}
	if n <= 0 {
		return 0
	}
	at := int(wr & r.mask)
	k := copy(r.buf[at:], src[:n])
	copy(r.buf, src[k:n])
	r.wr.Store(wr + uint32(n))
	notify(r.readable)
	return n
}

// TryReadInto moves up to len(dst) bytes out of the ring.
func (r *Ring) TryReadInto(dst []byte) int {
	rd, wr := r.rd.Load(), r.wr.Load()
	n := int(wr - rd)
	if n > len(dst) {
		n = len(dst)
	}
	if n == 0 {
		return 0
	}
	at := int(rd & r.mask)
	k := copy(dst[:n], r.buf[at:])
	copy(dst[k:n], r.buf)
	r.rd.Store(rd + uint32(n))
	notify(r.writable)
	return n
}
