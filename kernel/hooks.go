package kernel

import "time"

// ThreadHooks are lifecycle callbacks for per-thread bookkeeping owned by
// other subsystems. They are called with interrupts enabled and no spinlock
// held, so they may allocate.
type ThreadHooks struct {
	// OnCreate is called while a thread is spawned. The returned value is
	// available as Thread.HookData. An error aborts the spawn.
	OnCreate func(t *Thread) (any, error)
	// OnInit is called once the thread is fully set up, before it can run.
	OnInit func(t *Thread)
	// OnDestroy is called when the thread exits, or when a thread that never
	// ran is freed with its team.
	OnDestroy func(t *Thread)
}

// Per-thread scheduler bookkeeping.
type schedData struct {
	dispatches   uint64
	cpuTime      time.Duration
	lastDispatch time.Time
}

type hookChain struct {
	user ThreadHooks
}

func (h *hookChain) create(t *Thread) error {
	t.sched = schedData{}
	if h.user.OnCreate == nil {
		return nil
	}
	data, err := h.user.OnCreate(t)
	if err != nil {
		return err
	}
	t.hookData = data
	return nil
}

func (h *hookChain) init(t *Thread) {
	if h.user.OnInit != nil {
		h.user.OnInit(t)
	}
}

func (h *hookChain) destroy(t *Thread) {
	if h.user.OnDestroy != nil {
		h.user.OnDestroy(t)
	}
	t.hookData = nil
}

// Account for a context switch from old to next at the given time. Both
// transition locks are held.
func accountSwitch(old, next *Thread, now time.Time) {
	if !old.sched.lastDispatch.IsZero() {
		old.sched.cpuTime += now.Sub(old.sched.lastDispatch)
	}
	next.sched.dispatches++
	next.sched.lastDispatch = now
}
