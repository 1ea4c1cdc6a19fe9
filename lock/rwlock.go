package lock

import (
	"fmt"

	"github.com/tinygo-org/ksched/kernel"
)

// RWLock is a reader-writer lock with a single FIFO of waiting readers and
// writers. Released waiters are taken from the head of the queue: a writer
// once no reader is left, or every reader up to the next writer. Neither side
// is preferred, so arrival order is also grant order.
//
// The write holder may lock again for writing or for reading; every nested
// lock must be matched by the corresponding unlock.
type RWLock struct {
	list kernel.WaitList

	// Guarded by the list lock.
	readers    int32
	writers    int32
	holder     kernel.ThreadID
	ownerCount int32
}

// RWState is a snapshot of the counters of an RWLock.
type RWState struct {
	Readers int32
	Writers int32
	Holder  kernel.ThreadID
	// Nesting depth of the write holder.
	OwnerCount int32
	Waiters    int
}

// Init prepares the lock. See Mutex.Init.
func (rw *RWLock) Init(k *kernel.Kernel, name string, owner *kernel.Team) error {
	rw.readers, rw.writers, rw.ownerCount = 0, 0, 0
	rw.holder = kernel.NoThread
	if err := rw.list.Init(k, name, owner); err != nil {
		return err
	}
	rw.list.OnCancel(rw.drain)
	rw.list.OnDestroy(func(*kernel.Guard) {
		rw.readers, rw.writers, rw.ownerCount = 0, 0, 0
		rw.holder = kernel.NoThread
	})
	return nil
}

// Destroy wakes all waiters with kernel.ErrDestroyed.
func (rw *RWLock) Destroy(caller *kernel.Thread) {
	rw.list.Destroy(caller)
}

// Name returns the display name.
func (rw *RWLock) Name() string { return rw.list.Name() }

// State returns a snapshot of the lock counters.
func (rw *RWLock) State() RWState {
	g := rw.list.LockForWake(nil)
	s := RWState{
		Readers:    rw.readers,
		Writers:    rw.writers,
		Holder:     rw.holder,
		OwnerCount: rw.ownerCount,
		Waiters:    g.Len(),
	}
	g.Unlock()
	return s
}

// ReadLock locks for reading. It blocks while a writer holds the lock or
// anybody is queued, except for the write holder itself, whose read lock
// nests.
func (rw *RWLock) ReadLock(t *kernel.Thread) error {
	g := rw.list.Lock(t)
	if rw.holder == t.ID() {
		rw.ownerCount++
		g.Unlock()
		return nil
	}
	if rw.writers == 0 && g.Len() == 0 {
		rw.readers++
		g.Unlock()
		return nil
	}
	if err := g.Wait(tagReader); err != nil {
		return fmt.Errorf("read lock %q: %w", rw.list.Name(), err)
	}
	// Counted as a reader by the thread that released us.
	return nil
}

// ReadUnlock undoes one ReadLock.
func (rw *RWLock) ReadUnlock(t *kernel.Thread) {
	g := rw.list.LockForWake(t)
	if rw.holder == t.ID() {
		if rw.ownerCount <= 1 {
			g.Unlock()
			t.Kernel().Panic("rw_lock_read_unlock", "%v releases its write lock on %q with a read unlock",
				t, rw.list.Name())
		}
		rw.ownerCount--
		g.Unlock()
		return
	}
	if rw.readers <= 0 {
		g.Unlock()
		t.Kernel().Panic("rw_lock_read_unlock", "%q is not read locked", rw.list.Name())
	}
	rw.readers--
	if rw.readers == 0 {
		rw.drain(&g)
	}
	g.Unlock()
}

// WriteLock locks for writing. It blocks unless the lock is entirely free and
// nobody is queued, or t is already the write holder.
func (rw *RWLock) WriteLock(t *kernel.Thread) error {
	g := rw.list.Lock(t)
	if rw.holder == t.ID() {
		rw.ownerCount++
		g.Unlock()
		return nil
	}
	if rw.readers == 0 && rw.writers == 0 && g.Len() == 0 {
		rw.writers = 1
		rw.holder = t.ID()
		rw.ownerCount = 1
		g.Unlock()
		return nil
	}
	if err := g.Wait(tagWriter); err != nil {
		return fmt.Errorf("write lock %q: %w", rw.list.Name(), err)
	}
	// Made the holder by the thread that released us.
	return nil
}

// WriteUnlock undoes one WriteLock. Unlocking a lock the thread does not hold
// for writing is a contract violation.
func (rw *RWLock) WriteUnlock(t *kernel.Thread) {
	g := rw.list.LockForWake(t)
	if rw.holder != t.ID() {
		holder := rw.holder
		g.Unlock()
		t.Kernel().Panic("rw_lock_write_unlock", "%v does not hold %q (holder %d)",
			t, rw.list.Name(), holder)
	}
	rw.ownerCount--
	if rw.ownerCount == 0 {
		rw.writers = 0
		rw.holder = kernel.NoThread
		rw.drain(&g)
	}
	g.Unlock()
}

// Grant the lock to waiters from the head of the queue, as long as they are
// compatible with the current holders. Called with the list lock held.
func (rw *RWLock) drain(g *kernel.Guard) {
	for {
		t, tag := g.Head()
		if t == nil {
			return
		}
		if tag == tagWriter {
			if rw.readers > 0 || rw.writers > 0 {
				return
			}
			g.Wake(nil)
			rw.writers = 1
			rw.holder = t.ID()
			rw.ownerCount = 1
			return
		}
		if rw.writers > 0 {
			return
		}
		g.Wake(nil)
		rw.readers++
	}
}

// RLocker returns a Locker that read locks rw.
func (rw *RWLock) RLocker() Locker { return (*rlocker)(rw) }

// WLocker returns a Locker that write locks rw.
func (rw *RWLock) WLocker() Locker { return (*wlocker)(rw) }

type rlocker RWLock

func (r *rlocker) Lock(t *kernel.Thread) error { return (*RWLock)(r).ReadLock(t) }
func (r *rlocker) Unlock(t *kernel.Thread)     { (*RWLock)(r).ReadUnlock(t) }

type wlocker RWLock

func (w *wlocker) Lock(t *kernel.Thread) error { return (*RWLock)(w).WriteLock(t) }
func (w *wlocker) Unlock(t *kernel.Thread)     { (*RWLock)(w).WriteUnlock(t) }
