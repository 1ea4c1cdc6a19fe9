package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/tinygo-org/ksched/internal/interrupt"
	"github.com/tinygo-org/ksched/internal/spinlock"
	"github.com/tinygo-org/ksched/internal/task"
)

// A slot of the lock table.
type lockSlot struct {
	link task.Link
	list atomic.Pointer[WaitList]
}

func (s *lockSlot) Link() *task.Link { return &s.link }

// WaitList is the FIFO of threads blocked on one lock primitive, protected by
// a spinlock that also guards the state of the primitive built on top of it.
//
// All access goes through a Guard. Lock is used on the path that may block
// (acquiring), LockForWake on the path that only wakes threads (releasing).
type WaitList struct {
	kernel *Kernel
	slot   task.Index
	name   string
	owner  *Team

	lock      spinlock.Spinlock
	waiters   task.Queue[*Thread]
	destroyed bool
	onCancel  func(g *Guard)
	onDestroy func(g *Guard)
}

// LockInfo is a snapshot of a wait list.
type LockInfo struct {
	Name    string
	Team    TeamID
	Waiters []ThreadID
}

// Init registers the wait list in the lock table. If owner is not nil the
// list is destroyed together with that team.
func (w *WaitList) Init(k *Kernel, name string, owner *Team) error {
	slot, s, ok := k.locks.Alloc()
	if !ok {
		return fmt.Errorf("init lock %q: %w", name, ErrNoMoreLocks)
	}
	w.kernel = k
	w.slot = slot
	w.name = name
	w.owner = owner
	w.waiters = task.Queue[*Thread]{}
	w.destroyed = false
	if owner != nil {
		if err := owner.addLock(w); err != nil {
			k.locks.Free(slot)
			return fmt.Errorf("init lock %q: %w", name, err)
		}
	}
	s.list.Store(w)
	k.stats.locksCreated.Add(1)
	return nil
}

// OnCancel sets the function run when a waiter is taken off the list by
// InterruptThread. It runs with the list lock held and may grant the lock to
// the new head through the guard. Must be set before the list is shared.
func (w *WaitList) OnCancel(fn func(g *Guard)) { w.onCancel = fn }

// OnDestroy sets the function run with the list lock held when the list is
// destroyed, before the waiters are woken. Must be set before the list is
// shared.
func (w *WaitList) OnDestroy(fn func(g *Guard)) { w.onDestroy = fn }

// Name returns the display name.
func (w *WaitList) Name() string { return w.name }

// Kernel returns the kernel the list is registered with.
func (w *WaitList) Kernel() *Kernel { return w.kernel }

// Owner returns the owning team, or nil.
func (w *WaitList) Owner() *Team { return w.owner }

// Info returns a snapshot of the list.
func (w *WaitList) Info() LockInfo {
	g := w.LockForWake(nil)
	info := LockInfo{Name: w.name, Waiters: make([]ThreadID, 0, w.waiters.Len())}
	if w.owner != nil {
		info.Team = w.owner.id
	}
	w.waiters.Each(w.kernel.threads, func(_ task.Index, t *Thread) {
		info.Waiters = append(info.Waiters, t.id)
	})
	g.Unlock()
	return info
}

// Lock enters the list on behalf of the running thread t, which may then
// block with Guard.Wait. The transition lock of t is held until the guard is
// released or the thread has switched out, so a waker cannot get at t before
// it is fully asleep.
func (w *WaitList) Lock(t *Thread) Guard {
	k := w.kernel
	k.assertCurrent(t, "lock_wait_list")
	if t.idle {
		k.Panic("lock_wait_list", "idle thread cannot block on %q", w.name)
	}
	g := Guard{list: w, thread: t, caller: t}
	g.state = t.disableInterrupts()
	t.lock.Lock()
	w.lock.Lock()
	if w.destroyed {
		g.Unlock()
		k.Panic("lock_wait_list", "%q used after destroy", w.name)
	}
	return g
}

// LockForWake enters the list on behalf of caller without the option to
// block. caller is the running thread, or nil for code outside any CPU.
func (w *WaitList) LockForWake(caller *Thread) Guard {
	g := Guard{list: w, caller: caller}
	g.state = caller.disableInterrupts()
	w.lock.Lock()
	return g
}

// Destroy removes the list from the lock table and its team. Every waiter is
// woken with ErrDestroyed. Destroying a list twice is a contract violation.
func (w *WaitList) Destroy(caller *Thread) {
	if w.owner != nil {
		w.owner.removeLock(w)
	}
	w.destroy(caller, "destroy_lock", true)
}

func (w *WaitList) destroy(caller *Thread, op string, strict bool) {
	k := w.kernel
	g := w.LockForWake(caller)
	if w.destroyed {
		g.Unlock()
		if strict {
			k.Panic(op, "%q destroyed twice", w.name)
		}
		return
	}
	w.destroyed = true
	if w.onDestroy != nil {
		w.onDestroy(&g)
	}
	woken := 0
	for g.Wake(ErrDestroyed) != nil {
		woken++
	}
	g.Unlock()

	if s := k.locks.Get(w.slot); s != nil {
		s.list.Store(nil)
	}
	k.locks.Free(w.slot)
	k.stats.forcedWakes.Add(uint64(woken))
	if woken > 0 {
		k.log.Warn("lock destroyed with waiters", "lock", w.name, "waiters", woken)
	}
}

// Locks returns a snapshot of every registered wait list.
func (k *Kernel) Locks() []LockInfo {
	var lists []*WaitList
	k.locks.Each(func(_ task.Index, s *lockSlot) {
		if w := s.list.Load(); w != nil {
			lists = append(lists, w)
		}
	})
	infos := make([]LockInfo, 0, len(lists))
	for _, w := range lists {
		infos = append(infos, w.Info())
	}
	return infos
}

type wakeup struct {
	thread *Thread
	status error
}

// Guard is the critical section of a wait list. The state of the primitive
// the list belongs to may only be touched while a guard is held.
type Guard struct {
	list   *WaitList
	thread *Thread
	caller *Thread
	state  interrupt.State
	woken  []wakeup
}

// Thread returns the thread that may block in this section, or nil.
func (g *Guard) Thread() *Thread { return g.thread }

// Len returns the number of waiters.
func (g *Guard) Len() int { return g.list.waiters.Len() }

// Destroyed reports whether the list has been destroyed.
func (g *Guard) Destroyed() bool { return g.list.destroyed }

// Head returns the first waiter and the tag it waits with, or nil.
func (g *Guard) Head() (*Thread, uint8) {
	w := g.list
	i := w.waiters.Peek()
	if i == task.None {
		return nil, 0
	}
	t := w.kernel.threads.Get(i)
	return t, t.waitTag
}

// Wake takes the first waiter off the list and returns it, or nil if the list
// is empty. The waiter is made ready when the guard is released, and its Wait
// returns status.
func (g *Guard) Wake(status error) *Thread {
	w := g.list
	i := w.waiters.Pop(w.kernel.threads)
	if i == task.None {
		return nil
	}
	t := w.kernel.threads.Get(i)
	g.woken = append(g.woken, wakeup{thread: t, status: status})
	return t
}

// Wait appends the thread of the guard to the list and blocks it. tag is an
// opaque value for the primitive, such as reader or writer. The guard is
// released by Wait. It returns nil when woken by a grant, ErrDestroyed when
// the list was destroyed, and ErrInterrupted when InterruptThread cancelled
// the wait.
func (g *Guard) Wait(tag uint8) error {
	w := g.list
	k := w.kernel
	t := g.thread
	if t == nil || len(g.woken) > 0 {
		g.Unlock()
		k.Panic("wait", "cannot block in this section of %q", w.name)
	}
	t.waitingOn = w
	t.waitTag = tag
	t.waitStatus = nil
	w.waiters.Push(k.threads, t.slot)
	w.lock.Unlock()
	scheduleLogThread("wait", t)

	k.reschedule(t, StateWaiting)

	status := t.waitStatus
	t.restoreInterrupts(g.state)
	g.list = nil
	return status
}

// Unlock releases the guard, makes the woken threads ready and restores
// interrupts, which may reschedule the caller.
func (g *Guard) Unlock() {
	w := g.list
	if w == nil {
		return
	}
	w.lock.Unlock()
	if g.thread != nil {
		g.thread.lock.Unlock()
	}
	k := w.kernel
	for _, u := range g.woken {
		k.unblock(g.caller, u.thread, u.status)
	}
	g.woken = nil
	g.list = nil
	g.caller.restoreInterrupts(g.state)
}

// Make a thread taken off a wait list ready again, or suspended if a
// suspension was requested while it waited. Called with interrupts disabled
// and no spinlock held.
func (k *Kernel) unblock(caller, t *Thread, status error) {
	t.lock.Lock()
	if t.state != StateWaiting {
		state := t.state
		t.lock.Unlock()
		k.Panic("unblock", "%v is %v, not waiting", t, state)
	}
	t.waitingOn = nil
	t.waitStatus = status
	if t.suspendPending {
		t.suspendPending = false
		t.state = StateSuspended
	} else {
		k.enqueue(caller, t)
	}
	t.lock.Unlock()
}

// InterruptThread cancels the wait of a blocked thread. Its Wait returns
// ErrInterrupted. If the thread is not on a wait list, or has already been
// granted what it waited for, ErrNotWaiting is returned.
func (k *Kernel) InterruptThread(caller, t *Thread) error {
	if t.idle {
		return fmt.Errorf("interrupt %v: %w", t, ErrBadThreadID)
	}
	s := caller.disableInterrupts()
	t.lock.Lock()
	w := t.waitingOn
	if t.state != StateWaiting || w == nil {
		t.lock.Unlock()
		caller.restoreInterrupts(s)
		return fmt.Errorf("interrupt %v: %w", t, ErrNotWaiting)
	}

	// Interrupts are already disabled, the guard must not restore them.
	g := Guard{list: w, caller: caller, state: interrupt.Disabled}
	w.lock.Lock()
	removed := w.waiters.Remove(k.threads, t.slot)
	if removed && w.onCancel != nil {
		w.onCancel(&g)
	}
	w.lock.Unlock()
	if removed {
		t.waitingOn = nil
		t.waitStatus = ErrInterrupted
		if t.suspendPending {
			t.suspendPending = false
			t.state = StateSuspended
		} else {
			k.enqueue(caller, t)
		}
	}
	t.lock.Unlock()

	for _, u := range g.woken {
		k.unblock(caller, u.thread, u.status)
	}
	caller.restoreInterrupts(s)

	if !removed {
		return fmt.Errorf("interrupt %v: %w", t, ErrNotWaiting)
	}
	k.stats.interrupted.Add(1)
	k.log.Debug("wait interrupted", "thread", t.id, "lock", w.name)
	return nil
}
