package kernel

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/tinygo-org/ksched/internal/interrupt"
)

// CPU is one logical processor. It owns a run queue and an idle thread, and
// always has exactly one current thread.
type CPU struct {
	_ cpu.CacheLinePad

	id     int32
	kernel *Kernel

	runQueue runQueue

	// Thread running on this CPU, and its priority. Written by the thread
	// switching in, read by anyone choosing a CPU.
	current         atomic.Pointer[Thread]
	currentPriority atomic.Int32

	idle *Thread

	// Thread switched out by the last reschedule, handed to the thread
	// switching in so it can free an exited thread.
	previous     *Thread
	previousFree bool

	// Only touched by the thread running on this CPU.
	interrupts interrupt.Controller

	// Inter-CPU reschedule signal. ici carries at most one token; the pending
	// flag makes sending idempotent until the CPU reschedules.
	reschedulePending atomic.Bool
	ici               chan struct{}

	stats cpuStats

	_ cpu.CacheLinePad
}

type cpuStats struct {
	contextSwitches atomic.Uint64
	signals         atomic.Uint64
	idleDispatches  atomic.Uint64
}

// CPUStats are the counters of one CPU.
type CPUStats struct {
	ContextSwitches uint64
	Signals         uint64
	IdleDispatches  uint64
}

func newCPU(k *Kernel, id int32) *CPU {
	return &CPU{
		id:     id,
		kernel: k,
		ici:    make(chan struct{}, 1),
	}
}

// ID returns the index of the CPU.
func (c *CPU) ID() int { return int(c.id) }

// Current returns the thread running on the CPU.
func (c *CPU) Current() *Thread { return c.current.Load() }

// CurrentPriority returns the priority of the running thread.
func (c *CPU) CurrentPriority() int32 { return c.currentPriority.Load() }

// Idle returns the idle thread of the CPU.
func (c *CPU) Idle() *Thread { return c.idle }

// RunQueueLen returns the number of ready threads queued on the CPU.
func (c *CPU) RunQueueLen() int {
	c.runQueue.lock.Lock()
	n := c.runQueue.count
	c.runQueue.lock.Unlock()
	return n
}

// Stats returns a snapshot of the CPU counters.
func (c *CPU) Stats() CPUStats {
	return CPUStats{
		ContextSwitches: c.stats.contextSwitches.Load(),
		Signals:         c.stats.signals.Load(),
		IdleDispatches:  c.stats.idleDispatches.Load(),
	}
}

// Ask the CPU to reschedule. Sending is idempotent: a second signal before the
// CPU has rescheduled is absorbed.
func (c *CPU) signal() {
	if c.reschedulePending.CompareAndSwap(false, true) {
		c.stats.signals.Add(1)
		select {
		case c.ici <- struct{}{}:
		default:
		}
	}
}

// Drain the signal channel. Called with interrupts disabled by the thread
// running on this CPU, right before it reschedules.
func (c *CPU) ackSignal() {
	c.reschedulePending.Store(false)
	select {
	case <-c.ici:
	default:
	}
}

// The idle thread of a CPU. It runs whenever nothing else is ready, and picks
// the next thread when another CPU (or the quantum timer) signals it.
func (c *CPU) idleLoop() {
	k := c.kernel
	defer k.wg.Done()
	t := c.idle
	c.interrupts.Enable()
	scheduleLog("idle loop started")
	for {
		select {
		case <-c.ici:
		case <-k.halt:
			return
		}
		s := t.disableInterrupts()
		t.lock.Lock()
		k.reschedule(t, StateReady)
		t.restoreInterrupts(s)
	}
}

// Pick the CPU for a thread that became ready: its pinned CPU, else the CPU
// running the lowest priority thread. Ties go to the CPU the thread last ran
// on, then to the lowest index. Called with the thread's transition lock held.
func (k *Kernel) chooseCPU(t *Thread) *CPU {
	if t.pinned {
		return k.cpus[t.pinnedCPU]
	}
	var best *CPU
	var bestPriority int32
	if t.previousCPU >= 0 {
		best = k.cpus[t.previousCPU]
		bestPriority = best.currentPriority.Load()
	}
	for _, c := range k.cpus {
		p := c.currentPriority.Load()
		if best == nil || p < bestPriority {
			best, bestPriority = c, p
		}
	}
	return best
}
