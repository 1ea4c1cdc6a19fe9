package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMoreThreads is returned when the thread table is full.
	ErrNoMoreThreads = errors.New("kernel: no more threads")
	// ErrNoMoreLocks is returned when the lock table is full.
	ErrNoMoreLocks = errors.New("kernel: no more lock slots")
	// ErrNoMoreTeams is returned when the team limit is reached.
	ErrNoMoreTeams = errors.New("kernel: no more teams")
	// ErrBadTeamID is returned for a team that does not exist (anymore).
	ErrBadTeamID = errors.New("kernel: bad team id")
	// ErrTeamDying is returned when attaching a thread to a team that is being
	// destroyed.
	ErrTeamDying = errors.New("kernel: team is being destroyed")
	// ErrBadThreadID is returned for a thread that does not exist or that
	// cannot be the target of the operation (such as an idle thread).
	ErrBadThreadID = errors.New("kernel: bad thread id")
	// ErrBadThreadState is returned when a thread is not in a state the
	// operation can act on.
	ErrBadThreadState = errors.New("kernel: bad thread state")
	// ErrBadValue is returned for malformed arguments.
	ErrBadValue = errors.New("kernel: bad value")
	// ErrNotWaiting is returned by InterruptThread if the thread is not on a
	// wait list.
	ErrNotWaiting = errors.New("kernel: thread is not waiting")

	// ErrDestroyed is the wait result of a thread that was still queued on a
	// lock when the lock was destroyed.
	ErrDestroyed = errors.New("kernel: wait object destroyed")
	// ErrInterrupted is the wait result of a thread removed from a wait list
	// by InterruptThread.
	ErrInterrupted = errors.New("kernel: wait interrupted")
)

// Fatal is the panic value of a kernel contract violation, such as unlocking
// a lock that the caller does not hold. It implements error so it can be
// inspected after a recover, but it is never returned.
type Fatal struct {
	Op  string
	Msg string
}

func (f *Fatal) Error() string {
	return "kernel panic: " + f.Op + ": " + f.Msg
}

// Panic reports a contract violation and halts the calling thread. Every
// spinlock must be released and interrupts restored before calling Panic.
func (k *Kernel) Panic(op, format string, args ...any) {
	f := &Fatal{Op: op, Msg: fmt.Sprintf(format, args...)}
	k.log.Error("contract violation", "op", op, "msg", f.Msg)
	panic(f)
}

// AsFatal returns the Fatal value carried by a recovered panic, if any.
func AsFatal(r any) (*Fatal, bool) {
	switch v := r.(type) {
	case *Fatal:
		return v, true
	case error:
		var f *Fatal
		if errors.As(v, &f) {
			return f, true
		}
	}
	return nil, false
}
