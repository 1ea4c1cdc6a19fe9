// Package kernel implements a preemptive, priority based thread scheduler for
// a simulated multi-CPU machine, together with the wait lists that blocking
// lock primitives are built on.
//
// Every thread is backed by a goroutine, but only the goroutine of the current
// thread of a CPU executes; all others are parked. Switching threads is done
// by the outgoing thread itself: it picks its successor, hands it the CPU and
// parks. Preemption is cooperative at the Go level: a thread is switched out
// when it calls into the kernel (locks, Yield, RescheduleIfNecessary) after its
// CPU has been signalled.
//
// Lock ordering: a thread transition lock may be held while taking a run queue
// or wait list spinlock, never the other way around. The only place that holds
// two transition locks is the reschedule path, which locks the thread it just
// took off a run queue while still holding the outgoing thread.
package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/ksched/internal/spinlock"
	"github.com/tinygo-org/ksched/internal/task"
)

// Mode selects the time slicing policy.
type Mode int32

const (
	// ModeLowLatency uses a short quantum.
	ModeLowLatency Mode = iota
	// ModeThroughput uses a long quantum, so threads of equal priority are
	// rotated less often.
	ModeThroughput
)

func (m Mode) String() string {
	switch m {
	case ModeLowLatency:
		return "low-latency"
	case ModeThroughput:
		return "throughput"
	}
	return "unknown"
}

// ParseMode parses the name of a scheduler mode, as returned by String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "low-latency", "low_latency", "lowlatency", "":
		return ModeLowLatency, nil
	case "throughput":
		return ModeThroughput, nil
	}
	return 0, fmt.Errorf("unknown scheduler mode %q: %w", s, ErrBadValue)
}

// DefaultQuantum returns the time slice of the mode.
func (m Mode) DefaultQuantum() time.Duration {
	if m == ModeThroughput {
		return 20 * time.Millisecond
	}
	return 2 * time.Millisecond
}

// Config are the boot parameters of a kernel.
type Config struct {
	// Number of CPUs, between 1 and 64.
	CPUs int
	// Size of the thread table, not counting the idle threads.
	MaxThreads int
	// Size of the lock table.
	MaxLocks int
	// Maximum number of live teams, the kernel team included.
	MaxTeams int

	Mode Mode
	// Quantum overrides the time slice of the mode. A negative value disables
	// time slicing.
	Quantum time.Duration

	// Stack size recorded for threads that do not ask for one.
	DefaultStackSize int64

	// Logger receives kernel events. Nil discards them.
	Logger *slog.Logger

	Hooks ThreadHooks
}

// DefaultConfig returns the configuration used for zero fields of a Config.
func DefaultConfig() Config {
	return Config{
		CPUs:             4,
		MaxThreads:       4096,
		MaxLocks:         4096,
		MaxTeams:         512,
		Mode:             ModeLowLatency,
		DefaultStackSize: 64 << 10,
	}
}

const maxCPUs = 64

// Kernel is one scheduler instance: its CPUs, the thread and lock tables and
// the team registry.
type Kernel struct {
	config Config
	log    *slog.Logger

	cpus []*CPU

	threads *task.Table[*Thread]
	locks   *task.Table[*lockSlot]

	threadMapLock spinlock.Spinlock
	threadMap     map[ThreadID]*Thread

	teamLock   spinlock.Spinlock
	teams      map[TeamID]*Team
	kernelTeam *Team

	nextThreadID atomic.Int32
	nextTeamID   atomic.Int32

	hooks     hookChain
	listeners listenerList

	mode    atomic.Int32
	started atomic.Bool

	halt     chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup

	stats kernelStats
}

type kernelStats struct {
	threadsCreated atomic.Uint64
	threadsFreed   atomic.Uint64
	locksCreated   atomic.Uint64
	forcedWakes    atomic.Uint64
	interrupted    atomic.Uint64
	ticks          atomic.Uint64
}

// Stats are kernel-wide counters.
type Stats struct {
	ThreadsCreated uint64
	ThreadsFreed   uint64
	LocksCreated   uint64
	// Waiters woken with ErrDestroyed.
	ForcedWakes uint64
	// Waits ended by InterruptThread.
	InterruptedWaits uint64
	Ticks            uint64
	ContextSwitches  uint64
	Signals          uint64
	IdleDispatches   uint64
}

// New creates a kernel with its CPUs and idle threads. No thread runs until
// Start is called.
func New(config Config) (*Kernel, error) {
	def := DefaultConfig()
	if config.CPUs == 0 {
		config.CPUs = def.CPUs
	}
	if config.MaxThreads == 0 {
		config.MaxThreads = def.MaxThreads
	}
	if config.MaxLocks == 0 {
		config.MaxLocks = def.MaxLocks
	}
	if config.MaxTeams == 0 {
		config.MaxTeams = def.MaxTeams
	}
	if config.DefaultStackSize == 0 {
		config.DefaultStackSize = def.DefaultStackSize
	}
	if config.CPUs < 0 || config.CPUs > maxCPUs {
		return nil, fmt.Errorf("%d cpus: %w", config.CPUs, ErrBadValue)
	}
	if config.MaxThreads < 0 || config.MaxLocks < 0 || config.MaxTeams < 1 {
		return nil, fmt.Errorf("negative table size: %w", ErrBadValue)
	}
	if config.Mode != ModeLowLatency && config.Mode != ModeThroughput {
		return nil, fmt.Errorf("mode %d: %w", config.Mode, ErrBadValue)
	}

	log := config.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	k := &Kernel{
		config:    config,
		log:       log,
		threads:   task.NewTable(config.MaxThreads+config.CPUs, func(task.Index) *Thread { return &Thread{} }),
		locks:     task.NewTable(config.MaxLocks, func(task.Index) *lockSlot { return &lockSlot{} }),
		threadMap: make(map[ThreadID]*Thread),
		teams:     make(map[TeamID]*Team),
		hooks:     hookChain{user: config.Hooks},
		halt:      make(chan struct{}),
	}
	k.mode.Store(int32(config.Mode))

	k.kernelTeam = k.newTeam("kernel_team")
	k.kernelTeam.state = TeamStateNormal
	k.teams[k.kernelTeam.id] = k.kernelTeam

	k.cpus = make([]*CPU, config.CPUs)
	for i := range k.cpus {
		c := newCPU(k, int32(i))
		idle, err := k.allocThread(fmt.Sprintf("idle thread %d", i+1), PriorityIdle)
		if err != nil {
			return nil, err
		}
		idle.idle = true
		idle.team = k.kernelTeam
		idle.pinned = true
		idle.pinnedCPU = c.id
		idle.state = StateRunning
		idle.cpu = c
		idle.stackSize = config.DefaultStackSize
		c.idle = idle
		c.current.Store(idle)
		c.currentPriority.Store(PriorityIdle)
		if err := k.kernelTeam.addThread(idle); err != nil {
			return nil, err
		}
		k.registerThread(idle)
		k.cpus[i] = c
	}
	return k, nil
}

// Start boots the CPUs: their idle loops and, unless disabled, the quantum
// timer.
func (k *Kernel) Start() error {
	if !k.started.CompareAndSwap(false, true) {
		return fmt.Errorf("start: kernel already started: %w", ErrBadValue)
	}
	for _, c := range k.cpus {
		k.wg.Add(1)
		go c.idleLoop()
	}
	if k.Quantum() > 0 {
		k.wg.Add(1)
		go k.tick()
	}
	k.log.Info("kernel started", "cpus", len(k.cpus), "mode", k.Mode(), "quantum", k.Quantum())
	return nil
}

// Shutdown halts all CPUs. Parked threads are abandoned: their goroutines end
// without running the rest of their body. Shutdown returns once every
// goroutine has ended or ctx is done.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.haltOnce.Do(func() { close(k.halt) })
	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		k.log.Info("kernel halted")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// Halted is closed once Shutdown has been called.
func (k *Kernel) Halted() <-chan struct{} { return k.halt }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *slog.Logger { return k.log }

// NumCPU returns the number of CPUs.
func (k *Kernel) NumCPU() int { return len(k.cpus) }

// CPU returns the CPU with index i.
func (k *Kernel) CPU(i int) *CPU { return k.cpus[i] }

// Mode returns the current time slicing mode.
func (k *Kernel) Mode() Mode { return Mode(k.mode.Load()) }

// SetMode switches the time slicing mode. It takes effect at the next tick.
func (k *Kernel) SetMode(m Mode) error {
	if m != ModeLowLatency && m != ModeThroughput {
		return fmt.Errorf("set mode %d: %w", m, ErrBadValue)
	}
	k.mode.Store(int32(m))
	k.log.Info("scheduler mode changed", "mode", m)
	return nil
}

// Quantum returns the time slice in effect. It is negative when time slicing
// is disabled.
func (k *Kernel) Quantum() time.Duration {
	if k.config.Quantum != 0 {
		return k.config.Quantum
	}
	return k.Mode().DefaultQuantum()
}

// Stats returns a snapshot of the kernel counters, summed over all CPUs.
func (k *Kernel) Stats() Stats {
	s := Stats{
		ThreadsCreated:   k.stats.threadsCreated.Load(),
		ThreadsFreed:     k.stats.threadsFreed.Load(),
		LocksCreated:     k.stats.locksCreated.Load(),
		ForcedWakes:      k.stats.forcedWakes.Load(),
		InterruptedWaits: k.stats.interrupted.Load(),
		Ticks:            k.stats.ticks.Load(),
	}
	for _, c := range k.cpus {
		cs := c.Stats()
		s.ContextSwitches += cs.ContextSwitches
		s.Signals += cs.Signals
		s.IdleDispatches += cs.IdleDispatches
	}
	return s
}

// NumThreads returns the number of live threads, idle threads included.
func (k *Kernel) NumThreads() int { return k.threads.Len() }

// MaxThreads returns the capacity of the thread table, idle threads included.
func (k *Kernel) MaxThreads() int { return k.threads.Cap() }

// NumLocks returns the number of initialised wait lists.
func (k *Kernel) NumLocks() int { return k.locks.Len() }

// MaxLocks returns the capacity of the lock table.
func (k *Kernel) MaxLocks() int { return k.locks.Cap() }
