package kernel

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// Start a kernel without time slicing, halted when the test ends.
func newTestKernel(t *testing.T, config Config) *Kernel {
	t.Helper()
	if config.Quantum == 0 {
		config.Quantum = -1
	}
	k, err := New(config)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	t.Cleanup(func() { shutdown(t, k) })
	return k
}

func shutdown(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := k.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned %v", err)
	}
}

func spawn(t *testing.T, k *Kernel, attr ThreadAttr) *Thread {
	t.Helper()
	th, err := k.SpawnThread(attr)
	if err != nil {
		t.Fatalf("SpawnThread(%q) returned %v", attr.Name, err)
	}
	return th
}

// Spawn a thread and make it ready.
func start(t *testing.T, k *Kernel, attr ThreadAttr) *Thread {
	t.Helper()
	th := spawn(t, k, attr)
	if err := k.ResumeThread(nil, th); err != nil {
		t.Fatalf("ResumeThread(%q) returned %v", attr.Name, err)
	}
	return th
}

func waitDone(t *testing.T, threads ...*Thread) {
	t.Helper()
	timeout := time.After(testTimeout)
	for _, th := range threads {
		select {
		case <-th.Done():
		case <-timeout:
			t.Fatalf("timed out waiting for %v (%v) to exit", th, th.State())
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, th *Thread, s State) {
	t.Helper()
	waitUntil(t, th.String()+" is "+s.String(), func() bool { return th.State() == s })
}

// Event log shared by the threads of a test.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) check(t *testing.T, want ...string) {
	t.Helper()
	if got := r.get(); !slices.Equal(got, want) {
		t.Errorf("events are %v, want %v", got, want)
	}
}

func TestNewDefaults(t *testing.T) {
	k, err := New(Config{})
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	def := DefaultConfig()
	if k.NumCPU() != def.CPUs {
		t.Errorf("NumCPU returned %d, want %d", k.NumCPU(), def.CPUs)
	}
	if got := k.MaxThreads(); got != def.MaxThreads+def.CPUs {
		t.Errorf("MaxThreads returned %d, want %d", got, def.MaxThreads+def.CPUs)
	}
	if got := k.NumThreads(); got != def.CPUs {
		t.Errorf("NumThreads returned %d, want one idle thread per cpu", got)
	}
	for i := 0; i < k.NumCPU(); i++ {
		c := k.CPU(i)
		if c.Current() != c.Idle() {
			t.Errorf("cpu %d runs %v, want its idle thread", i, c.Current())
		}
		info := c.Idle().Info()
		if info.State != StateRunning || info.Priority != PriorityIdle || info.CPU != i {
			t.Errorf("idle thread of cpu %d is %+v", i, info)
		}
	}
	if team := k.KernelTeam(); team.ID() != KernelTeamID || team.State() != TeamStateNormal {
		t.Errorf("kernel team is %d in state %v", team.ID(), team.State())
	}
}

func TestNewInvalid(t *testing.T) {
	for _, config := range []Config{
		{CPUs: -1},
		{CPUs: maxCPUs + 1},
		{Mode: Mode(7)},
	} {
		if _, err := New(config); !errors.Is(err, ErrBadValue) {
			t.Errorf("New(%+v) returned %v, want ErrBadValue", config, err)
		}
	}
}

func TestStartTwice(t *testing.T) {
	k := newTestKernel(t, Config{CPUs: 1})
	if err := k.Start(); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestMode(t *testing.T) {
	k, err := New(Config{CPUs: 1})
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	if k.Mode() != ModeLowLatency || k.Quantum() != 2*time.Millisecond {
		t.Errorf("default mode is %v with quantum %v", k.Mode(), k.Quantum())
	}
	if err := k.SetMode(ModeThroughput); err != nil {
		t.Fatalf("SetMode returned %v", err)
	}
	if k.Quantum() != 20*time.Millisecond {
		t.Errorf("Quantum returned %v in throughput mode, want 20ms", k.Quantum())
	}
	if err := k.SetMode(Mode(-1)); !errors.Is(err, ErrBadValue) {
		t.Errorf("SetMode(-1) returned %v, want ErrBadValue", err)
	}

	fixed, err := New(Config{CPUs: 1, Quantum: 5 * time.Millisecond, Mode: ModeThroughput})
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	if fixed.Quantum() != 5*time.Millisecond {
		t.Errorf("Quantum returned %v, want the configured 5ms", fixed.Quantum())
	}
}

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"low-latency", ModeLowLatency, true},
		{"Throughput", ModeThroughput, true},
		{"", ModeLowLatency, true},
		{"fast", 0, false},
	} {
		got, err := ParseMode(tc.in)
		if (err == nil) != tc.ok || (tc.ok && got != tc.want) {
			t.Errorf("ParseMode(%q) returned %v, %v", tc.in, got, err)
		}
	}
}

func TestThreadTableExhausted(t *testing.T) {
	k := newTestKernel(t, Config{CPUs: 1, MaxThreads: 2})
	body := func(*Thread) error { return nil }
	a := spawn(t, k, ThreadAttr{Name: "a", Entry: body})
	spawn(t, k, ThreadAttr{Name: "b", Entry: body})
	if _, err := k.SpawnThread(ThreadAttr{Name: "c", Entry: body}); !errors.Is(err, ErrNoMoreThreads) {
		t.Fatalf("SpawnThread on a full table returned %v, want ErrNoMoreThreads", err)
	}

	// The slot of an exited thread is reused.
	if err := k.ResumeThread(nil, a); err != nil {
		t.Fatalf("ResumeThread returned %v", err)
	}
	waitDone(t, a)
	c := start(t, k, ThreadAttr{Name: "c", Entry: body})
	waitDone(t, c)
	if s := k.Stats(); s.ThreadsCreated != 3 || s.ThreadsFreed != 2 {
		t.Errorf("created %d and freed %d threads, want 3 and 2", s.ThreadsCreated, s.ThreadsFreed)
	}
}

func TestSpawnInvalid(t *testing.T) {
	k := newTestKernel(t, Config{CPUs: 2})
	if _, err := k.SpawnThread(ThreadAttr{Name: "no entry"}); !errors.Is(err, ErrBadValue) {
		t.Errorf("SpawnThread without entry returned %v, want ErrBadValue", err)
	}
	attr := ThreadAttr{Name: "bad cpu", Pinned: true, CPU: 2, Entry: func(*Thread) error { return nil }}
	if _, err := k.SpawnThread(attr); !errors.Is(err, ErrBadValue) {
		t.Errorf("SpawnThread pinned to cpu 2 returned %v, want ErrBadValue", err)
	}
}

func TestThreadAttr(t *testing.T) {
	k := newTestKernel(t, Config{CPUs: 2, DefaultStackSize: 16 << 10})
	th := spawn(t, k, ThreadAttr{Name: "worker", Priority: 99, Entry: func(*Thread) error { return nil }})
	info := th.Info()
	if info.Priority != PriorityMax {
		t.Errorf("priority is %d, want it clamped to %d", info.Priority, PriorityMax)
	}
	if info.State != StateBirth || info.CPU != -1 {
		t.Errorf("new thread is %v on cpu %d, want BIRTH on no cpu", info.State, info.CPU)
	}
	if info.StackSize != 16<<10 {
		t.Errorf("stack size is %d, want the default 16KiB", info.StackSize)
	}
	if info.Team != KernelTeamID {
		t.Errorf("team is %d, want the kernel team", info.Team)
	}
	if k.Thread(th.ID()) != th || k.FindThread("worker") != th {
		t.Error("thread is not registered")
	}
	k.RenameThread(th, "renamed")
	if th.Name() != "renamed" {
		t.Errorf("Name returned %q after RenameThread", th.Name())
	}
	if def := spawn(t, k, ThreadAttr{Name: "default", Entry: func(*Thread) error { return nil }}); def.Priority() != PriorityNormal {
		t.Errorf("priority zero selected %d, want %d", def.Priority(), PriorityNormal)
	}
}

func TestHooks(t *testing.T) {
	var mu sync.Mutex
	var destroyed []ThreadID
	hooks := ThreadHooks{
		OnCreate: func(th *Thread) (any, error) {
			if th.Name() == "refused" {
				return nil, errors.New("no bookkeeping")
			}
			return "data of " + th.Name(), nil
		},
		OnDestroy: func(th *Thread) {
			mu.Lock()
			destroyed = append(destroyed, th.ID())
			mu.Unlock()
		},
	}
	k := newTestKernel(t, Config{CPUs: 1, Hooks: hooks})
	body := func(*Thread) error { return nil }

	if _, err := k.SpawnThread(ThreadAttr{Name: "refused", Entry: body}); err == nil {
		t.Error("SpawnThread succeeded although OnCreate failed")
	}
	if n := k.NumThreads(); n != 1 {
		t.Errorf("NumThreads returned %d after a failed spawn, want 1", n)
	}

	th := spawn(t, k, ThreadAttr{Name: "worker", Entry: body})
	if th.HookData() != "data of worker" {
		t.Errorf("HookData returned %v", th.HookData())
	}
	if err := k.ResumeThread(nil, th); err != nil {
		t.Fatalf("ResumeThread returned %v", err)
	}
	waitDone(t, th)
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(destroyed, []ThreadID{th.ID()}) {
		t.Errorf("OnDestroy was called for %v, want [%d]", destroyed, th.ID())
	}
}

func TestExitStatus(t *testing.T) {
	k := newTestKernel(t, Config{CPUs: 1})
	errBody := errors.New("body failed")
	th := start(t, k, ThreadAttr{Name: "failing", Entry: func(*Thread) error { return errBody }})
	if err := th.Err(); err != errBody {
		t.Errorf("Err returned %v, want %v", err, errBody)
	}
}

func TestShutdownAbandonsParkedThreads(t *testing.T) {
	k, err := New(Config{CPUs: 1, Quantum: -1})
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	// Never resumed, and one that suspends itself forever.
	spawn(t, k, ThreadAttr{Name: "unborn", Entry: func(*Thread) error { return nil }})
	sleeper := start(t, k, ThreadAttr{Name: "sleeper", Entry: func(self *Thread) error {
		return self.Kernel().SuspendThread(self, self)
	}})
	waitState(t, sleeper, StateSuspended)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := k.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned %v", err)
	}
	select {
	case <-k.Halted():
	default:
		t.Error("Halted is not closed after Shutdown")
	}
}
