// Package spinlock implements the low-level mutual exclusion primitive used to
// make short queue manipulations atomic across CPUs.
//
// A Spinlock never suspends the caller and has no wait queue, priority or
// fairness. The caller must have disabled interrupts on its own CPU before
// calling Lock, and must keep them disabled until after Unlock. Taking a
// spinlock with interrupts enabled can deadlock against a reschedule signal
// that tries to take the same lock on the same CPU.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Enable extra checks. A spinlock that is still locked after spinLimit
// iterations is reported as a self-deadlock (most likely a recursive acquire).
const asserts = true

const spinLimit = 1 << 28

// Yield the goroutine every so often while spinning. Several simulated CPUs may
// share one OS thread, so a pure busy loop could starve the lock holder.
const yieldEvery = 64

// Spinlock is a single-word busy-wait lock. The zero value is unlocked.
type Spinlock struct {
	state atomic.Uint32
	_     cpu.CacheLinePad
}

// Lock busy-waits until the lock is free and then takes it.
func (l *Spinlock) Lock() {
	// Fast path: try to take an uncontended lock.
	if l.TryLock() {
		return
	}
	var spins uint64
	for {
		for l.state.Load() != 0 {
			spins++
			if spins%yieldEvery == 0 {
				runtime.Gosched()
			}
			if asserts && spins > spinLimit {
				panic("spinlock: deadlock detected (recursive acquire?)")
			}
		}
		if l.TryLock() {
			return
		}
	}
}

// TryLock takes the lock if it is free and reports whether it did.
func (l *Spinlock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Releasing a lock that is not held is a programming
// error and panics.
func (l *Spinlock) Unlock() {
	if old := l.state.Swap(0); old == 0 {
		panic("spinlock: unlock of unlocked spinlock")
	}
}

// IsLocked reports whether the lock is currently held by anyone. It is only
// meaningful in assertions.
func (l *Spinlock) IsLocked() bool {
	return l.state.Load() != 0
}
