// Package lock implements the blocking lock primitives of the kernel on top of
// kernel wait lists: Mutex, RecursiveLock and RWLock.
//
// Every primitive hands ownership over to the longest waiting thread when it
// is released, so waiters are served in FIFO order regardless of their
// priority. A primitive must be initialised with Init before use and is
// destroyed either explicitly or together with the team that owns it. Threads
// still waiting at that point return ErrDestroyed.
//
// Contract violations, such as unlocking a lock the caller does not hold or
// using a destroyed lock, panic with a *kernel.Fatal.
package lock

import "github.com/tinygo-org/ksched/kernel"

// A Locker represents an object that can be locked and unlocked by a thread.
type Locker interface {
	Lock(t *kernel.Thread) error
	Unlock(t *kernel.Thread)
}

var (
	_ Locker = (*Mutex)(nil)
	_ Locker = (*RecursiveLock)(nil)
	_ Locker = (*rlocker)(nil)
	_ Locker = (*wlocker)(nil)
)

// Wait tags of the RWLock waiters.
const (
	tagReader uint8 = iota
	tagWriter
)
