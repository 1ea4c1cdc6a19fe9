// Package task provides the index-based containers used by the scheduler: a
// slot table that owns every schedulable entity, and intrusive FIFO queues
// that link entities by slot index instead of by pointer.
package task

const asserts = true

// Index identifies a slot in a Table. The zero Index refers to no slot, so the
// zero value of every container in this package is empty.
type Index int32

// None is the Index of no slot.
const None Index = 0

// Link is the intrusive queue link embedded in every entity that can be
// queued. An entity is in at most one queue at a time.
type Link struct {
	next   Index
	queued bool
}

// Queued reports whether the entity is linked into some queue.
func (l *Link) Queued() bool {
	return l.queued
}

// Entry is implemented by entities stored in a Table.
type Entry interface {
	Link() *Link
}

// Queue is a FIFO container of table entries.
// The zero value is an empty queue.
//
// A Queue does no locking itself. Every queue is protected by the spinlock of
// the structure that owns it.
type Queue[T Entry] struct {
	head, tail Index
	len        int
}

// Push an entry onto the tail of the queue.
func (q *Queue[T]) Push(tab *Table[T], i Index) {
	l := tab.Get(i).Link()
	if asserts && l.queued {
		panic("task: pushing an entry that is already in a queue")
	}
	if q.tail != None {
		tab.Get(q.tail).Link().next = i
	}
	q.tail = i
	l.next = None
	l.queued = true
	if q.head == None {
		q.head = i
	}
	q.len++
}

// Pop an entry off the head of the queue. It returns None if the queue is
// empty.
func (q *Queue[T]) Pop(tab *Table[T]) Index {
	i := q.head
	if i == None {
		return None
	}
	l := tab.Get(i).Link()
	q.head = l.next
	if q.tail == i {
		q.tail = None
	}
	l.next = None
	l.queued = false
	q.len--
	return i
}

// Peek returns the head of the queue without removing it.
func (q *Queue[T]) Peek() Index {
	return q.head
}

// Remove unlinks the given entry from the queue and reports whether it was
// found. It is used to cancel a wait and to move a ready entity between
// priority levels.
func (q *Queue[T]) Remove(tab *Table[T], i Index) bool {
	var prev Index
	for cur := q.head; cur != None; cur = tab.Get(cur).Link().next {
		if cur != i {
			prev = cur
			continue
		}
		l := tab.Get(cur).Link()
		if prev == None {
			q.head = l.next
		} else {
			tab.Get(prev).Link().next = l.next
		}
		if q.tail == cur {
			q.tail = prev
		}
		l.next = None
		l.queued = false
		q.len--
		return true
	}
	return false
}

// Empty checks if the queue is empty.
func (q *Queue[T]) Empty() bool {
	return q.head == None
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	return q.len
}

// Each calls fn for every entry from head to tail. The queue must not be
// modified by fn.
func (q *Queue[T]) Each(tab *Table[T], fn func(i Index, e T)) {
	for cur := q.head; cur != None; {
		e := tab.Get(cur)
		next := e.Link().next
		fn(cur, e)
		cur = next
	}
}
