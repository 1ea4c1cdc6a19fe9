package spinlock

import (
	"sync"
	"testing"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var (
		l       Spinlock
		counter int
		wg      sync.WaitGroup
	)
	const workers = 8
	const iterations = 2000
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != workers*iterations {
		t.Errorf("counter is %d, want %d", counter, workers*iterations)
	}
	if l.IsLocked() {
		t.Error("lock still held after all workers finished")
	}
}

func TestSpinlockTryLock(t *testing.T) {
	var l Spinlock
	if !l.TryLock() {
		t.Fatal("TryLock on a free lock returned false")
	}
	if l.TryLock() {
		t.Error("TryLock on a held lock returned true")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Error("TryLock after Unlock returned false")
	}
	l.Unlock()
}

func TestSpinlockUnlockOfUnlocked(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Unlock of an unlocked spinlock did not panic")
		}
	}()
	var l Spinlock
	l.Unlock()
}
