package task

import "github.com/tinygo-org/ksched/internal/spinlock"

// Table is a bounded arena of entities addressed by Index.
//
// Freed slots are kept on a dead queue and handed out again before fresh slots
// are used. A slot is given a new entity every time it is allocated, so a
// pointer to a freed entity never observes a later occupant of the slot.
type Table[T Entry] struct {
	lock  spinlock.Spinlock
	slots []T
	live  []bool
	dead  Queue[T]
	next  Index
	used  int
	newFn func(Index) T
}

// NewTable creates a table with room for capacity entities. newFn constructs
// the entity stored in a freshly allocated slot.
func NewTable[T Entry](capacity int, newFn func(Index) T) *Table[T] {
	return &Table[T]{
		slots: make([]T, capacity+1),
		live:  make([]bool, capacity+1),
		next:  1,
		newFn: newFn,
	}
}

// Alloc reserves a slot and returns its index and new entity. ok is false if
// the table is full.
func (t *Table[T]) Alloc() (i Index, e T, ok bool) {
	t.lock.Lock()
	i = t.dead.Pop(t)
	if i == None {
		if int(t.next) >= len(t.slots) {
			t.lock.Unlock()
			var zero T
			return None, zero, false
		}
		i = t.next
		t.next++
	}
	e = t.newFn(i)
	t.slots[i] = e
	t.live[i] = true
	t.used++
	t.lock.Unlock()
	return i, e, true
}

// Free returns a slot to the table. The entity must not be in any queue.
func (t *Table[T]) Free(i Index) {
	t.lock.Lock()
	if asserts && t.slots[i].Link().Queued() {
		t.lock.Unlock()
		panic("task: freeing an entry that is still queued")
	}
	t.dead.Push(t, i)
	t.live[i] = false
	t.used--
	t.lock.Unlock()
}

// Get returns the entity in slot i.
func (t *Table[T]) Get(i Index) T {
	return t.slots[i]
}

// Each calls fn for every allocated slot, in slot order, with the table lock
// held. fn must not allocate or free slots.
func (t *Table[T]) Each(fn func(i Index, e T)) {
	t.lock.Lock()
	for i := Index(1); i < t.next; i++ {
		if t.live[i] {
			fn(i, t.slots[i])
		}
	}
	t.lock.Unlock()
}

// Len returns the number of allocated slots.
func (t *Table[T]) Len() int {
	t.lock.Lock()
	n := t.used
	t.lock.Unlock()
	return n
}

// Cap returns the maximum number of slots.
func (t *Table[T]) Cap() int {
	return len(t.slots) - 1
}
