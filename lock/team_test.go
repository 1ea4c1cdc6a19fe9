package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/tinygo-org/ksched/kernel"
)

// A team of three threads is torn down while one of them holds a team mutex
// and the other two wait for it. Teardown must wake both waiters with an
// error and complete once all threads have left.
func TestTeamTeardownWithContendedMutex(t *testing.T) {
	k := newKernel(t, kernel.Config{CPUs: 2})
	team, err := k.CreateTeam("app")
	if err != nil {
		t.Fatalf("CreateTeam returned %v", err)
	}
	m := newMutex(t, k, "app lock", team)

	holder := start(t, k, kernel.ThreadAttr{Name: "t1", Team: team, Entry: func(self *kernel.Thread) error {
		if err := m.Lock(self); err != nil {
			return err
		}
		// Still holding the lock when the team goes away.
		return pause(self)
	}})
	waitState(t, holder, kernel.StateSuspended)

	errs := make([]error, 2)
	var waiters []*kernel.Thread
	for i, name := range []string{"t2", "t3"} {
		th := start(t, k, kernel.ThreadAttr{Name: name, Team: team, Entry: func(self *kernel.Thread) error {
			errs[i] = m.Lock(self)
			if errs[i] == nil {
				m.Unlock(self)
			}
			return nil
		}})
		waitState(t, th, kernel.StateWaiting)
		waiters = append(waiters, th)
	}
	if n := team.NumThreads(); n != 3 {
		t.Fatalf("team has %d threads, want 3", n)
	}

	if err := k.DestroyTeam(nil, team); err != nil {
		t.Fatalf("DestroyTeam returned %v", err)
	}
	waitDone(t, waiters...)
	for i, err := range errs {
		if !errors.Is(err, kernel.ErrDestroyed) {
			t.Errorf("t%d: Lock returned %v, want ErrDestroyed", i+2, err)
		}
	}
	if n := k.Stats().ForcedWakes; n != 2 {
		t.Errorf("%d forced wakes were counted, want 2", n)
	}

	resume(t, holder)
	waitDone(t, holder)
	checkExit(t, holder)
	select {
	case <-team.Done():
	case <-time.After(testTimeout):
		t.Fatalf("team was not finalized, it has %d threads", team.NumThreads())
	}
	if k.Team(team.ID()) != nil {
		t.Error("destroyed team is still registered")
	}
	if n := k.NumLocks(); n != 0 {
		t.Errorf("NumLocks returned %d after teardown, want 0", n)
	}
}
