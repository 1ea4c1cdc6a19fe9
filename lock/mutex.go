package lock

import (
	"fmt"
	"sync/atomic"

	"github.com/tinygo-org/ksched/kernel"
)

const (
	mutexUnlocked uint32 = iota
	mutexLocked
	mutexContended // locked, with waiters
	mutexDestroyed
)

// Mutex is a blocking mutual exclusion lock.
//
// An uncontended Lock only takes a compare-and-swap. A contended one blocks
// the thread on the wait list of the mutex. Unlock passes the mutex directly
// to the first waiter, so a thread arriving later can not take it away.
//
// A Mutex is not recursive: locking it again from the holder is a contract
// violation.
type Mutex struct {
	state  atomic.Uint32
	holder atomic.Int32
	list   kernel.WaitList
}

// Init prepares the mutex. owner may be nil, otherwise the mutex is destroyed
// together with that team. Init fails with kernel.ErrNoMoreLocks when the lock
// table is full.
func (m *Mutex) Init(k *kernel.Kernel, name string, owner *kernel.Team) error {
	m.state.Store(mutexUnlocked)
	m.holder.Store(int32(kernel.NoThread))
	if err := m.list.Init(k, name, owner); err != nil {
		return err
	}
	m.list.OnCancel(m.cancelled)
	m.list.OnDestroy(m.destroyed)
	return nil
}

// Destroy wakes all waiters with kernel.ErrDestroyed and releases the lock
// table slot.
func (m *Mutex) Destroy(caller *kernel.Thread) {
	m.list.Destroy(caller)
}

// Name returns the display name.
func (m *Mutex) Name() string { return m.list.Name() }

// Holder returns the id of the holding thread, or kernel.NoThread.
func (m *Mutex) Holder() kernel.ThreadID {
	return kernel.ThreadID(m.holder.Load())
}

// Waiters returns the ids of the waiting threads in grant order.
func (m *Mutex) Waiters() []kernel.ThreadID {
	return m.list.Info().Waiters
}

// TryLock takes the mutex if it is free and reports whether it succeeded.
func (m *Mutex) TryLock(t *kernel.Thread) bool {
	if m.state.CompareAndSwap(mutexUnlocked, mutexLocked) {
		m.holder.Store(int32(t.ID()))
		return true
	}
	return false
}

// Lock locks the mutex. If it is held, the thread blocks until the mutex is
// passed to it. Lock returns an error only if the wait did not end with the
// mutex being granted: kernel.ErrDestroyed or kernel.ErrInterrupted.
func (m *Mutex) Lock(t *kernel.Thread) error {
	// Fast path: try to take an uncontended lock.
	if m.state.CompareAndSwap(mutexUnlocked, mutexLocked) {
		m.holder.Store(int32(t.ID()))
		return nil
	}
	return m.lockSlow(t)
}

func (m *Mutex) lockSlow(t *kernel.Thread) error {
	g := m.list.Lock(t)
	if m.holder.Load() == int32(t.ID()) {
		g.Unlock()
		t.Kernel().Panic("mutex_lock", "double lock of %q by %v", m.list.Name(), t)
	}
	for {
		switch m.state.Load() {
		case mutexUnlocked:
			// Released after the fast path failed. Nobody can be queued, a
			// release with waiters hands over instead.
			if m.state.CompareAndSwap(mutexUnlocked, mutexLocked) {
				m.holder.Store(int32(t.ID()))
				g.Unlock()
				return nil
			}
			continue
		case mutexLocked:
			// Tell the holder it has to take the slow path on unlock.
			if !m.state.CompareAndSwap(mutexLocked, mutexContended) {
				continue
			}
		}
		break
	}

	if err := g.Wait(0); err != nil {
		return fmt.Errorf("lock %q: %w", m.list.Name(), err)
	}
	// The unlocking thread made us the holder.
	return nil
}

// Unlock releases the mutex, handing it to the first waiter if there is one.
// Unlocking a mutex the thread does not hold is a contract violation.
func (m *Mutex) Unlock(t *kernel.Thread) {
	if m.holder.Load() != int32(t.ID()) {
		t.Kernel().Panic("mutex_unlock", "%v does not hold %q (holder %d)",
			t, m.list.Name(), m.holder.Load())
	}
	m.holder.Store(int32(kernel.NoThread))
	// Fast path: nobody is waiting.
	if m.state.CompareAndSwap(mutexLocked, mutexUnlocked) {
		return
	}
	m.unlockSlow(t)
}

func (m *Mutex) unlockSlow(t *kernel.Thread) {
	g := m.list.LockForWake(t)
	defer g.Unlock()
	if g.Destroyed() {
		return
	}
	next := g.Wake(nil)
	if next == nil {
		m.state.Store(mutexUnlocked)
		return
	}
	m.holder.Store(int32(next.ID()))
	if g.Len() == 0 {
		m.state.Store(mutexLocked)
	}
}

// A waiter was interrupted. The list lock is held.
func (m *Mutex) cancelled(g *kernel.Guard) {
	if g.Len() == 0 {
		m.state.CompareAndSwap(mutexContended, mutexLocked)
	}
}

func (m *Mutex) destroyed(g *kernel.Guard) {
	m.state.Store(mutexDestroyed)
	m.holder.Store(int32(kernel.NoThread))
}
