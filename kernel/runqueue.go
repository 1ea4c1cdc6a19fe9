package kernel

import (
	"math/bits"

	"github.com/tinygo-org/ksched/internal/spinlock"
	"github.com/tinygo-org/ksched/internal/task"
)

// runQueue is the ready queue of one CPU: one FIFO per priority level and a
// bitmap of the non-empty levels, so the highest ready level is found in
// constant time.
type runQueue struct {
	lock   spinlock.Spinlock
	levels [NumPriorities]task.Queue[*Thread]
	ready  uint64
	count  int
}

// Insert at the tail of the thread's priority level. The run queue lock must
// be held.
func (rq *runQueue) push(threads *task.Table[*Thread], t *Thread, cpu int32) {
	level := t.priority
	rq.levels[level].Push(threads, t.slot)
	rq.ready |= 1 << uint(level)
	rq.count++
	t.runLevel = level
	t.runQueueCPU.Store(cpu)
}

// Take the head of the highest non-empty level, or nil.
func (rq *runQueue) pop(threads *task.Table[*Thread]) *Thread {
	if rq.ready == 0 {
		return nil
	}
	level := bits.Len64(rq.ready) - 1
	q := &rq.levels[level]
	t := threads.Get(q.Pop(threads))
	if q.Empty() {
		rq.ready &^= 1 << uint(level)
	}
	rq.count--
	t.runQueueCPU.Store(-1)
	return t
}

// Unlink a thread from its level. Reports whether it was queued here.
func (rq *runQueue) remove(threads *task.Table[*Thread], t *Thread) bool {
	q := &rq.levels[t.runLevel]
	if !q.Remove(threads, t.slot) {
		return false
	}
	if q.Empty() {
		rq.ready &^= 1 << uint(t.runLevel)
	}
	rq.count--
	t.runQueueCPU.Store(-1)
	return true
}

// Priority of the highest ready thread, or -1 if the queue is empty.
func (rq *runQueue) highest() int32 {
	if rq.ready == 0 {
		return -1
	}
	return int32(bits.Len64(rq.ready) - 1)
}
