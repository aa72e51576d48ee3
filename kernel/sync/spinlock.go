// Package sync provides the synchronization primitives used by the
// hypervisor core.
package sync

import "sync/atomic"

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the current hart. Any
// attempt to re-acquire a lock already held by the current hart will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other harts to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
