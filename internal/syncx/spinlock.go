// Package syncx provides the spin-lock primitive the VM manager and the
// two byte-granular allocators use to serialize their interval-list and
// free-list mutations. Real hardware spin locks are an out-of-scope
// external collaborator for this core (see spec.md's scope note); this
// is the minimal stand-in so the package is self-contained.
package syncx

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a non-reentrant busy-wait mutex. Callers that need
// reentrancy (the VM manager, see vmmgr.go) structure their code around
// a locked/unlocked method pair instead of relying on the lock itself
// being reentrant.
type Spinlock struct {
	state atomic.Bool
}

// Lock spins until the lock is acquired, yielding the processor between
// attempts so a contended lock doesn't starve other goroutines on the
// same OS thread.
func (s *Spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock. Unlock of an unlocked Spinlock is a no-op.
func (s *Spinlock) Unlock() {
	s.state.Store(false)
}

// TryLock attempts to acquire the lock without blocking.
func (s *Spinlock) TryLock() bool {
	return s.state.CompareAndSwap(false, true)
}
