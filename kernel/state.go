package kernel

// State is the run state of a thread.
type State int32

const (
	// StateBirth: created, not yet inserted into a run queue.
	StateBirth State = iota
	// StateReady: in a run queue (or just taken off one by a CPU).
	StateReady
	// StateRunning: the current thread of some CPU.
	StateRunning
	// StateWaiting: on exactly one wait list.
	StateWaiting
	// StateSuspended: parked outside any queue until resumed.
	StateSuspended
	// StateFreeOnResched: exited. The table slot is released by the next
	// reschedule on the CPU the thread last ran on.
	StateFreeOnResched
)

var stateNames = [...]string{
	StateBirth:         "BIRTH",
	StateReady:         "READY",
	StateRunning:       "RUNNING",
	StateWaiting:       "WAITING",
	StateSuspended:     "SUSPENDED",
	StateFreeOnResched: "FREE_ON_RESCHED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}
