package lock

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/tinygo-org/ksched/kernel"
)

const testTimeout = 5 * time.Second

func newKernel(t *testing.T, config kernel.Config) *kernel.Kernel {
	t.Helper()
	if config.Quantum == 0 {
		config.Quantum = -1
	}
	k, err := kernel.New(config)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := k.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown returned %v", err)
		}
	})
	return k
}

func start(t *testing.T, k *kernel.Kernel, attr kernel.ThreadAttr) *kernel.Thread {
	t.Helper()
	th, err := k.SpawnThread(attr)
	if err != nil {
		t.Fatalf("SpawnThread(%q) returned %v", attr.Name, err)
	}
	if err := k.ResumeThread(nil, th); err != nil {
		t.Fatalf("ResumeThread(%q) returned %v", attr.Name, err)
	}
	return th
}

func resume(t *testing.T, th *kernel.Thread) {
	t.Helper()
	if err := th.Kernel().ResumeThread(nil, th); err != nil {
		t.Fatalf("ResumeThread(%v) returned %v", th, err)
	}
}

// Park the calling thread until the test resumes it.
func pause(self *kernel.Thread) error {
	return self.Kernel().SuspendThread(self, self)
}

func waitDone(t *testing.T, threads ...*kernel.Thread) {
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

func waitState(t *testing.T, th *kernel.Thread, s kernel.State) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for th.State() != s {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v to be %v, it is %v", th, s, th.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func checkExit(t *testing.T, threads ...*kernel.Thread) {
	t.Helper()
	for _, th := range threads {
		if err := th.Err(); err != nil {
			t.Errorf("%s exited with %v", th.Name(), err)
		}
	}
}

func fatalOp(err error) string {
	if f, ok := kernel.AsFatal(err); ok {
		return f.Op
	}
	return ""
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) check(t *testing.T, want ...string) {
	t.Helper()
	r.mu.Lock()
	got := slices.Clone(r.events)
	r.mu.Unlock()
	if !slices.Equal(got, want) {
		t.Errorf("events are %v, want %v", got, want)
	}
}
