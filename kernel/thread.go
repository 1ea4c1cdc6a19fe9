package kernel

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/ksched/internal/interrupt"
	"github.com/tinygo-org/ksched/internal/spinlock"
	"github.com/tinygo-org/ksched/internal/task"
)

// ThreadID identifies a thread. Ids are never reused.
type ThreadID int32

// NoThread is the ThreadID of no thread, for example the holder of a free
// lock.
const NoThread ThreadID = -1

// Thread is a schedulable entity.
//
// Every thread is backed by a goroutine that only executes while the thread is
// the current thread of some CPU. The Thread value is the handle the thread
// passes to every kernel entry point.
type Thread struct {
	// Run queue or wait list link. A thread is in at most one queue.
	link task.Link
	slot task.Index

	id     ThreadID
	kernel *Kernel
	team   *Team
	idle   bool

	// Transition lock. It guards the fields below unless noted otherwise.
	// Other threads must take it before reading or writing the state.
	lock spinlock.Spinlock

	name      string
	priority  int32
	state     State
	stackSize int64

	// CPU the thread is running on, nil when not running.
	cpu         *CPU
	previousCPU int32
	pinned      bool
	pinnedCPU   int32

	// CPU whose run queue the thread is on, or -1. Written under that run
	// queue's lock; runLevel is the priority level it was queued at.
	runQueueCPU atomic.Int32
	runLevel    int32

	// Wait list the thread is blocked on, and the result of the wait.
	waitingOn  *WaitList
	waitTag    uint8
	waitStatus error

	suspendPending bool
	aborted        bool

	sched    schedData
	hookData any

	entry      func(*Thread) error
	exitStatus error
	wake       chan struct{}
	done       chan struct{}
}

func (t *Thread) Link() *task.Link { return &t.link }

// ThreadAttr describes a thread to spawn.
type ThreadAttr struct {
	Name string
	// Team the thread belongs to. Nil means the kernel team.
	Team *Team
	// Priority zero selects PriorityNormal. Other values are clamped to
	// [PriorityMin, PriorityMax], so only idle threads run at PriorityIdle.
	Priority int32
	// Entry is the thread body. Its return value is the exit status.
	Entry func(t *Thread) error
	// Pin the thread to CPU.
	Pinned bool
	CPU    int
	// StackSize zero selects Config.DefaultStackSize.
	StackSize int64
}

// ThreadInfo is a read-only snapshot of a thread, as handed to listeners and
// diagnostics.
type ThreadInfo struct {
	ID         ThreadID
	Name       string
	Team       TeamID
	Priority   int32
	State      State
	CPU        int
	Idle       bool
	StackSize  int64
	WaitingOn  string
	Dispatches uint64
	CPUTime    time.Duration
}

// ID returns the thread id.
func (t *Thread) ID() ThreadID { return t.id }

// Kernel returns the kernel the thread belongs to.
func (t *Thread) Kernel() *Kernel { return t.kernel }

// Team returns the team the thread belongs to.
func (t *Thread) Team() *Team { return t.team }

// Done is closed once the thread has exited and its table slot is released.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Err returns the exit status of the thread. It is only meaningful after Done
// is closed.
func (t *Thread) Err() error {
	<-t.done
	return t.exitStatus
}

// HookData returns the value returned by the Config.Hooks.OnCreate callback.
func (t *Thread) HookData() any { return t.hookData }

// Name returns the display name of the thread.
func (t *Thread) Name() string {
	t.lock.Lock()
	name := t.name
	t.lock.Unlock()
	return name
}

// Priority returns the current priority of the thread.
func (t *Thread) Priority() int32 {
	t.lock.Lock()
	p := t.priority
	t.lock.Unlock()
	return p
}

// State returns the current run state of the thread.
func (t *Thread) State() State {
	t.lock.Lock()
	s := t.state
	t.lock.Unlock()
	return s
}

// CPU returns the index of the CPU the thread runs on, or -1.
func (t *Thread) CPU() int {
	t.lock.Lock()
	n := -1
	if t.cpu != nil {
		n = int(t.cpu.id)
	}
	t.lock.Unlock()
	return n
}

// Info returns a snapshot of the thread.
func (t *Thread) Info() ThreadInfo {
	t.lock.Lock()
	info := t.infoLocked()
	t.lock.Unlock()
	return info
}

func (t *Thread) infoLocked() ThreadInfo {
	info := ThreadInfo{
		ID:         t.id,
		Name:       t.name,
		Team:       t.team.id,
		Priority:   t.priority,
		State:      t.state,
		CPU:        -1,
		Idle:       t.idle,
		StackSize:  t.stackSize,
		Dispatches: t.sched.dispatches,
		CPUTime:    t.sched.cpuTime,
	}
	if t.cpu != nil {
		info.CPU = int(t.cpu.id)
	}
	if t.waitingOn != nil {
		info.WaitingOn = t.waitingOn.name
	}
	return info
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d", t.id)
}

// Disable interrupts on the CPU the thread runs on. A nil thread stands for a
// caller outside of any CPU (boot code, tests) which has no interrupts to
// disable.
func (t *Thread) disableInterrupts() interrupt.State {
	if t == nil {
		return interrupt.Disabled
	}
	if t.cpu == nil {
		t.kernel.Panic("disable_interrupts", "%v is not running", t)
	}
	return t.cpu.interrupts.Disable()
}

// Restore the interrupt state on whatever CPU the thread runs on now. The
// thread may have migrated while it was switched out. If this enables
// interrupts, a pending reschedule signal is delivered.
func (t *Thread) restoreInterrupts(s interrupt.State) {
	if t == nil {
		return
	}
	t.cpu.interrupts.Restore(s)
	if s == interrupt.Enabled {
		t.kernel.deliverPendingSignal(t)
	}
}

// SpawnThread creates a thread in the BIRTH state. It does not run until it
// is passed to ResumeThread.
func (k *Kernel) SpawnThread(attr ThreadAttr) (*Thread, error) {
	if attr.Entry == nil {
		return nil, fmt.Errorf("spawn thread %q: no entry function: %w", attr.Name, ErrBadValue)
	}
	if attr.Pinned && (attr.CPU < 0 || attr.CPU >= len(k.cpus)) {
		return nil, fmt.Errorf("spawn thread %q: cpu %d: %w", attr.Name, attr.CPU, ErrBadValue)
	}
	team := attr.Team
	if team == nil {
		team = k.kernelTeam
	}
	priority := attr.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	stackSize := attr.StackSize
	if stackSize == 0 {
		stackSize = k.config.DefaultStackSize
	}

	t, err := k.allocThread(attr.Name, clampPriority(priority))
	if err != nil {
		return nil, fmt.Errorf("spawn thread %q: %w", attr.Name, err)
	}
	t.team = team
	t.entry = attr.Entry
	t.stackSize = stackSize
	if attr.Pinned {
		t.pinned = true
		t.pinnedCPU = int32(attr.CPU)
	}

	if err := k.hooks.create(t); err != nil {
		k.releaseThread(t)
		return nil, fmt.Errorf("spawn thread %q: %w", attr.Name, err)
	}
	if err := team.addThread(t); err != nil {
		k.hooks.destroy(t)
		k.releaseThread(t)
		return nil, fmt.Errorf("spawn thread %q: %w", attr.Name, err)
	}
	k.hooks.init(t)
	k.registerThread(t)
	k.stats.threadsCreated.Add(1)

	k.wg.Add(1)
	go k.threadMain(t)
	scheduleLogThread("spawn", t)
	return t, nil
}

func (k *Kernel) allocThread(name string, priority int32) (*Thread, error) {
	slot, t, ok := k.threads.Alloc()
	if !ok {
		return nil, ErrNoMoreThreads
	}
	t.slot = slot
	t.id = ThreadID(k.nextThreadID.Add(1))
	t.kernel = k
	t.name = name
	t.priority = priority
	t.state = StateBirth
	t.previousCPU = -1
	t.runQueueCPU.Store(-1)
	t.wake = make(chan struct{}, 1)
	t.done = make(chan struct{})
	return t, nil
}

// Give the slot of a thread that never ran back to the table.
func (k *Kernel) releaseThread(t *Thread) {
	k.threads.Free(t.slot)
	close(t.done)
}

// The goroutine backing a thread. It waits for its first dispatch, which is
// the equivalent of returning into a freshly built kernel stack.
func (k *Kernel) threadMain(t *Thread) {
	defer k.wg.Done()
	select {
	case <-t.wake:
	case <-k.halt:
		return
	}
	if t.aborted {
		// Freed before it ever ran.
		return
	}
	k.finishSwitch(t)
	t.team.threadStarted()
	t.cpu.interrupts.Enable()
	k.deliverPendingSignal(t)

	status := k.runEntry(t)
	k.exitThread(t, status)
}

// Run the thread body. A contract violation inside it ends the thread with the
// *Fatal as exit status instead of taking the whole process down.
func (k *Kernel) runEntry(t *Thread) (status error) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := AsFatal(r)
			if !ok {
				panic(r)
			}
			t.cpu.interrupts.Enable()
			status = f
		}
	}()
	return t.entry(t)
}

// Exit the current thread. Runs the destroy hooks with interrupts enabled,
// detaches the thread from its team and reschedules one last time. The slot is
// released by the next thread to run on this CPU.
func (k *Kernel) exitThread(t *Thread, status error) {
	if !t.cpu.interrupts.Enabled() {
		k.log.Warn("thread exiting with interrupts disabled", "thread", t.id)
	}
	k.hooks.destroy(t)
	t.team.removeThread(t)

	t.disableInterrupts()
	t.lock.Lock()
	t.exitStatus = status
	k.reschedule(t, StateFreeOnResched)
	// Not reached by anything: the goroutine ends here, the CPU already runs
	// another thread.
}

// Free a thread after it has been switched out for the last time.
func (k *Kernel) freeThread(t *Thread) {
	k.unregisterThread(t)
	k.threads.Free(t.slot)
	k.stats.threadsFreed.Add(1)
	scheduleLogThread("free", t)
	close(t.done)
}

// Park the goroutine of a thread that has been switched out, until a CPU
// dispatches it again. A dispatch may arrive before the park, in which case the
// thread continues immediately.
func (t *Thread) park() {
	select {
	case <-t.wake:
	case <-t.kernel.halt:
		runtime.Goexit()
	}
}

// Hand a CPU to the thread.
func (t *Thread) dispatch() {
	select {
	case t.wake <- struct{}{}:
	default:
		t.kernel.Panic("dispatch", "%v dispatched twice", t)
	}
}

// RenameThread changes the display name of a thread.
func (k *Kernel) RenameThread(t *Thread, name string) {
	t.lock.Lock()
	t.name = name
	t.lock.Unlock()
}

func (k *Kernel) registerThread(t *Thread) {
	k.threadMapLock.Lock()
	k.threadMap[t.id] = t
	k.threadMapLock.Unlock()
}

func (k *Kernel) unregisterThread(t *Thread) {
	k.threadMapLock.Lock()
	delete(k.threadMap, t.id)
	k.threadMapLock.Unlock()
}

// Thread looks up a live thread by id.
func (k *Kernel) Thread(id ThreadID) *Thread {
	k.threadMapLock.Lock()
	t := k.threadMap[id]
	k.threadMapLock.Unlock()
	return t
}

// FindThread returns a live thread with the given name, or nil. If several
// threads share the name, the one with the lowest id is returned.
func (k *Kernel) FindThread(name string) *Thread {
	var found *Thread
	for _, t := range k.liveThreads() {
		if t.Name() == name && (found == nil || t.id < found.id) {
			found = t
		}
	}
	return found
}

// Threads returns a snapshot of every live thread, idle threads included.
func (k *Kernel) Threads() []ThreadInfo {
	threads := k.liveThreads()
	infos := make([]ThreadInfo, 0, len(threads))
	for _, t := range threads {
		infos = append(infos, t.Info())
	}
	return infos
}

func (k *Kernel) liveThreads() []*Thread {
	k.threadMapLock.Lock()
	threads := make([]*Thread, 0, len(k.threadMap))
	for _, t := range k.threadMap {
		threads = append(threads, t)
	}
	k.threadMapLock.Unlock()
	return threads
}
