package kernel

import (
	"fmt"
	"time"
)

// Put a thread into the run queue of the CPU chosen for it and mark it READY.
// If it outranks what that CPU is running, the CPU is asked to reschedule: by
// the pending flag when the caller runs there, else by an inter-CPU signal.
//
// Called with the transition lock of t held and interrupts disabled.
func (k *Kernel) enqueue(caller, t *Thread) {
	t.state = StateReady
	c := k.chooseCPU(t)
	c.runQueue.lock.Lock()
	c.runQueue.push(k.threads, t, c.id)
	c.runQueue.lock.Unlock()
	scheduleLogThread("enqueue", t)
	k.listeners.enqueued(t)

	if t.priority > c.currentPriority.Load() {
		if caller != nil && caller.cpu == c {
			c.reschedulePending.Store(true)
		} else {
			c.signal()
		}
	}
}

// Take a READY thread out of its run queue. Reports false when the thread has
// already been taken by a CPU that is about to switch to it. Called with the
// transition lock of t held.
func (k *Kernel) dequeue(t *Thread) bool {
	n := t.runQueueCPU.Load()
	if n < 0 {
		return false
	}
	rq := &k.cpus[n].runQueue
	rq.lock.Lock()
	removed := rq.remove(k.threads, t)
	rq.lock.Unlock()
	if removed {
		k.listeners.removed(t)
	}
	return removed
}

// Switch the CPU of old to the highest priority ready thread, moving old to the
// given state. A READY old thread is requeued first, so it keeps the CPU when
// nothing better is ready.
//
// Must be called by old itself, with its transition lock held and interrupts
// disabled. Returns, once old runs again, with the lock released and
// interrupts still disabled. A thread moving to FREE_ON_RESCHED returns
// without ever running again and its goroutine must end.
func (k *Kernel) reschedule(old *Thread, next State) {
	if asserts {
		assertSwitchable(old)
	}
	c := old.cpu
	c.ackSignal()

	if next == StateReady && old.suspendPending {
		old.suspendPending = false
		next = StateSuspended
	}
	old.state = next

	c.runQueue.lock.Lock()
	requeued := next == StateReady && !old.idle
	if requeued {
		c.runQueue.push(k.threads, old, c.id)
	}
	nextThread := c.runQueue.pop(k.threads)
	c.runQueue.lock.Unlock()
	if requeued && nextThread != old {
		k.listeners.enqueued(old)
	}
	if nextThread == nil {
		nextThread = c.idle
	}

	if nextThread != old {
		// Popped threads are off every queue, so nobody else holds this lock
		// for longer than a state read.
		nextThread.lock.Lock()
	}
	nextThread.state = StateRunning
	nextThread.cpu = c
	c.current.Store(nextThread)
	c.currentPriority.Store(nextThread.priority)
	// A suspend that found the thread already taken off the run queue is
	// applied at its first preemption point on this CPU.
	if nextThread.suspendPending {
		c.reschedulePending.Store(true)
	}

	if nextThread == old {
		old.lock.Unlock()
		return
	}

	accountSwitch(old, nextThread, time.Now())
	k.listeners.scheduled(old, nextThread)
	scheduleLogSwitch(c, old, nextThread)
	old.cpu = nil
	old.previousCPU = c.id
	c.previous = old
	c.previousFree = next == StateFreeOnResched
	c.stats.contextSwitches.Add(1)
	if nextThread.idle {
		c.stats.idleDispatches.Add(1)
	}

	nextThread.lock.Unlock()
	old.lock.Unlock()
	nextThread.dispatch()
	if next == StateFreeOnResched {
		return
	}
	old.park()
	k.finishSwitch(old)
}

// Complete the switch that made t the current thread of its CPU.
func (k *Kernel) finishSwitch(t *Thread) {
	c := t.cpu
	prev, free := c.previous, c.previousFree
	c.previous, c.previousFree = nil, false
	if free {
		k.freeThread(prev)
	}
}

// Panic if t is not ready to switch out: its CPU must have interrupts
// disabled and t must hold its own transition lock. A spinlock taken with
// interrupts enabled can be re-entered by a signal on the same CPU.
func assertSwitchable(t *Thread) {
	if t.cpu.interrupts.Enabled() {
		panic("kernel: reschedule with interrupts enabled")
	}
	if !t.lock.IsLocked() {
		panic("kernel: reschedule without the thread lock")
	}
}

// Act on a reschedule signal that arrived while interrupts were disabled.
// Called by the running thread t with interrupts enabled.
func (k *Kernel) deliverPendingSignal(t *Thread) {
	for {
		c := t.cpu
		if !c.interrupts.Enabled() || !c.reschedulePending.Load() {
			return
		}
		s := c.interrupts.Disable()
		t.lock.Lock()
		k.reschedule(t, StateReady)
		t.cpu.interrupts.Restore(s)
	}
}

// Panic unless t is the thread running on its CPU.
func (k *Kernel) assertCurrent(t *Thread, op string) {
	if t == nil || t.cpu == nil || t.cpu.current.Load() != t {
		k.Panic(op, "%v is not the running thread", t)
	}
}

// Reschedule gives up the CPU of the running thread t. next is READY for a
// voluntary yield or SUSPENDED to park the thread until ResumeThread. Any
// other state is a contract violation: blocking goes through a WaitList and
// exiting means returning from the thread body.
func (k *Kernel) Reschedule(t *Thread, next State) {
	k.assertCurrent(t, "reschedule")
	if next != StateReady && next != StateSuspended {
		k.Panic("reschedule", "cannot reschedule %v into state %v", t, next)
	}
	s := t.disableInterrupts()
	t.lock.Lock()
	k.reschedule(t, next)
	t.restoreInterrupts(s)
}

// Yield offers the CPU to another ready thread of at least the priority of t.
func (k *Kernel) Yield(t *Thread) {
	k.Reschedule(t, StateReady)
}

// RescheduleIfNecessary reschedules the running thread t if its CPU has been
// asked to. Long-running thread bodies call it as a preemption point.
func (k *Kernel) RescheduleIfNecessary(t *Thread) {
	k.assertCurrent(t, "reschedule_if_necessary")
	if !t.cpu.reschedulePending.Load() {
		return
	}
	s := t.disableInterrupts()
	t.lock.Lock()
	k.reschedule(t, StateReady)
	t.restoreInterrupts(s)
}

// ResumeThread makes a BIRTH or SUSPENDED thread ready to run. A thread that
// has a suspension pending has it cancelled instead.
//
// caller is the running thread issuing the call, or nil for code outside any
// CPU.
func (k *Kernel) ResumeThread(caller, t *Thread) error {
	if t.idle {
		return fmt.Errorf("resume %v: %w", t, ErrBadThreadID)
	}
	var err error
	s := caller.disableInterrupts()
	t.lock.Lock()
	switch {
	case t.state == StateBirth || t.state == StateSuspended:
		k.enqueue(caller, t)
	case t.suspendPending:
		t.suspendPending = false
	default:
		err = fmt.Errorf("resume %v in state %v: %w", t, t.state, ErrBadThreadState)
	}
	t.lock.Unlock()
	caller.restoreInterrupts(s)
	return err
}

// SuspendThread parks a thread until ResumeThread. A ready thread is taken off
// its run queue right away. A running or waiting thread is suspended the next
// time it would become ready; for a thread on another CPU that CPU is asked to
// reschedule. A thread suspending itself reschedules immediately.
func (k *Kernel) SuspendThread(caller, t *Thread) error {
	if t.idle {
		return fmt.Errorf("suspend %v: %w", t, ErrBadThreadID)
	}
	if t == caller {
		k.Reschedule(t, StateSuspended)
		return nil
	}
	var err error
	s := caller.disableInterrupts()
	t.lock.Lock()
	switch t.state {
	case StateReady:
		if k.dequeue(t) {
			t.state = StateSuspended
		} else {
			t.suspendPending = true
		}
	case StateRunning:
		t.suspendPending = true
		t.cpu.signal()
	case StateWaiting:
		t.suspendPending = true
	case StateSuspended:
	default:
		err = fmt.Errorf("suspend %v in state %v: %w", t, t.state, ErrBadThreadState)
	}
	t.lock.Unlock()
	caller.restoreInterrupts(s)
	return err
}

// SetThreadPriority changes the priority of a thread and returns the previous
// one. The value is clamped to [PriorityMin, PriorityMax].
//
// A queued thread moves to the new level of its run queue without ever being
// absent from it. Lowering the priority of a running thread below a ready one
// triggers a reschedule of its CPU.
func (k *Kernel) SetThreadPriority(caller, t *Thread, priority int32) (int32, error) {
	if t.idle {
		return 0, fmt.Errorf("set priority of %v: %w", t, ErrBadThreadID)
	}
	priority = clampPriority(priority)

	s := caller.disableInterrupts()
	t.lock.Lock()
	old := t.priority
	if priority == old {
		t.lock.Unlock()
		caller.restoreInterrupts(s)
		return old, nil
	}

	var target *CPU
	switch t.state {
	case StateReady:
		n := t.runQueueCPU.Load()
		if n < 0 {
			// Taken by a CPU which reads the new priority once it gets the
			// transition lock.
			t.priority = priority
			break
		}
		c := k.cpus[n]
		c.runQueue.lock.Lock()
		requeued := c.runQueue.remove(k.threads, t)
		t.priority = priority
		if requeued {
			c.runQueue.push(k.threads, t, c.id)
		}
		c.runQueue.lock.Unlock()
		if requeued {
			k.listeners.removed(t)
			k.listeners.enqueued(t)
			if priority > c.currentPriority.Load() {
				target = c
			}
		}
	case StateRunning:
		t.priority = priority
		c := t.cpu
		c.currentPriority.Store(priority)
		if priority < old {
			c.runQueue.lock.Lock()
			highest := c.runQueue.highest()
			c.runQueue.lock.Unlock()
			if highest > priority {
				target = c
			}
		}
	default:
		t.priority = priority
	}

	if target != nil {
		if caller != nil && caller.cpu == target {
			target.reschedulePending.Store(true)
		} else {
			target.signal()
		}
	}
	t.lock.Unlock()
	caller.restoreInterrupts(s)
	k.log.Debug("thread priority changed", "thread", t.id, "old", old, "new", priority)
	return old, nil
}

// Time slicing: every quantum, each CPU that runs a non-idle thread is asked
// to reschedule, which rotates threads of equal priority.
func (k *Kernel) tick() {
	defer k.wg.Done()
	for {
		timer := time.NewTimer(k.Quantum())
		select {
		case <-k.halt:
			timer.Stop()
			return
		case <-timer.C:
		}
		k.stats.ticks.Add(1)
		for _, c := range k.cpus {
			if t := c.current.Load(); t != nil && !t.idle {
				c.signal()
			}
		}
	}
}
