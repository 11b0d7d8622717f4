package osal

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Mutex is a mutual-exclusion lock whose waiters are granted ownership in
// the order they called Lock. sync.Mutex gives no such guarantee, so shared
// buses use this instead.
type Mutex struct {
	sem     *semaphore.Weighted
	waiting atomic.Int32
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the caller owns the mutex.
func (m *Mutex) Lock() {
	m.waiting.Inc()
	// Acquire only fails on a cancelled context.
	_ = m.sem.Acquire(context.Background(), 1)
	m.waiting.Dec()
}

// TryLock acquires the mutex only if it is free and nobody is queued.
func (m *Mutex) TryLock() bool { return m.sem.TryAcquire(1) }

// Unlock releases ownership to the longest waiting caller, if any.
// It is for task context only. As with sync.Mutex, unlocking a mutex that is
// not locked is a run-time error.
func (m *Mutex) Unlock() { m.sem.Release(1) }

// Waiting returns the number of callers currently inside Lock.
func (m *Mutex) Waiting() int { return int(m.waiting.Load()) }
