package kernel

import (
	"sync/atomic"

	"github.com/tinygo-org/ksched/internal/spinlock"
)

// Listener observes scheduling decisions. Callbacks run on the scheduling hot
// path with spinlocks held and interrupts disabled: they must not block, and
// must not call back into the kernel.
type Listener interface {
	// A thread was inserted into a run queue.
	ThreadEnqueuedInRunQueue(t ThreadInfo)
	// A ready thread was taken out of a run queue without being scheduled,
	// for example because it was suspended or its priority changed.
	ThreadRemovedFromRunQueue(t ThreadInfo)
	// A CPU switched from old to next.
	ThreadScheduled(old, next ThreadInfo)
}

// Copy-on-write list, so that notifying needs no lock.
type listenerList struct {
	lock spinlock.Spinlock
	list atomic.Pointer[[]Listener]
}

// AddListener registers a scheduler listener.
func (k *Kernel) AddListener(l Listener) {
	ll := &k.listeners
	ll.lock.Lock()
	var list []Listener
	if p := ll.list.Load(); p != nil {
		list = append(list, *p...)
	}
	list = append(list, l)
	ll.list.Store(&list)
	ll.lock.Unlock()
}

// RemoveListener unregisters a listener. It reports whether l was registered.
func (k *Kernel) RemoveListener(l Listener) bool {
	ll := &k.listeners
	ll.lock.Lock()
	defer ll.lock.Unlock()
	p := ll.list.Load()
	if p == nil {
		return false
	}
	for i, other := range *p {
		if other == l {
			list := make([]Listener, 0, len(*p)-1)
			list = append(list, (*p)[:i]...)
			list = append(list, (*p)[i+1:]...)
			ll.list.Store(&list)
			return true
		}
	}
	return false
}

func (ll *listenerList) load() []Listener {
	if p := ll.list.Load(); p != nil {
		return *p
	}
	return nil
}

// The notify functions are called with the transition locks of the threads
// involved held.

func (ll *listenerList) enqueued(t *Thread) {
	list := ll.load()
	if len(list) == 0 {
		return
	}
	info := t.infoLocked()
	for _, l := range list {
		l.ThreadEnqueuedInRunQueue(info)
	}
}

func (ll *listenerList) removed(t *Thread) {
	list := ll.load()
	if len(list) == 0 {
		return
	}
	info := t.infoLocked()
	for _, l := range list {
		l.ThreadRemovedFromRunQueue(info)
	}
}

func (ll *listenerList) scheduled(old, next *Thread) {
	list := ll.load()
	if len(list) == 0 {
		return
	}
	oldInfo, nextInfo := old.infoLocked(), next.infoLocked()
	for _, l := range list {
		l.ThreadScheduled(oldInfo, nextInfo)
	}
}
