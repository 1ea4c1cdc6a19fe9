package lock

import (
	"sync/atomic"

	"github.com/tinygo-org/ksched/kernel"
)

// RecursiveLock is a mutex that the holding thread may lock again. It is
// released when Unlock has been called as often as Lock.
type RecursiveLock struct {
	lock   Mutex
	holder atomic.Int32
	// Only touched by the holder.
	recursion int32
}

// Init prepares the lock. See Mutex.Init.
func (l *RecursiveLock) Init(k *kernel.Kernel, name string, owner *kernel.Team) error {
	l.holder.Store(int32(kernel.NoThread))
	l.recursion = 0
	return l.lock.Init(k, name, owner)
}

// Destroy wakes all waiters with kernel.ErrDestroyed.
func (l *RecursiveLock) Destroy(caller *kernel.Thread) {
	l.holder.Store(int32(kernel.NoThread))
	l.lock.Destroy(caller)
}

// Name returns the display name.
func (l *RecursiveLock) Name() string { return l.lock.Name() }

// Holder returns the id of the holding thread, or kernel.NoThread.
func (l *RecursiveLock) Holder() kernel.ThreadID {
	return kernel.ThreadID(l.holder.Load())
}

// Lock takes the lock, or increments the recursion depth if t already holds
// it. A nested Lock never blocks.
func (l *RecursiveLock) Lock(t *kernel.Thread) error {
	if l.holder.Load() == int32(t.ID()) {
		l.recursion++
		return nil
	}
	if err := l.lock.Lock(t); err != nil {
		return err
	}
	l.holder.Store(int32(t.ID()))
	l.recursion = 1
	return nil
}

// TryLock is Lock without blocking. It reports whether t holds the lock.
func (l *RecursiveLock) TryLock(t *kernel.Thread) bool {
	if l.holder.Load() == int32(t.ID()) {
		l.recursion++
		return true
	}
	if !l.lock.TryLock(t) {
		return false
	}
	l.holder.Store(int32(t.ID()))
	l.recursion = 1
	return true
}

// Unlock undoes one Lock. The lock is released once the depth drops to zero.
// Unlocking a lock the thread does not hold is a contract violation.
func (l *RecursiveLock) Unlock(t *kernel.Thread) {
	if l.holder.Load() != int32(t.ID()) {
		t.Kernel().Panic("recursive_lock_unlock", "%v does not hold %q (holder %d)",
			t, l.lock.Name(), l.holder.Load())
	}
	l.recursion--
	if l.recursion > 0 {
		return
	}
	l.holder.Store(int32(kernel.NoThread))
	l.lock.Unlock(t)
}

// Depth returns the recursion depth of t, or -1 if t does not hold the lock.
func (l *RecursiveLock) Depth(t *kernel.Thread) int {
	if l.holder.Load() != int32(t.ID()) {
		return -1
	}
	return int(l.recursion)
}
