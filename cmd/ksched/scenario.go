package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/tinygo-org/ksched/config"
	"github.com/tinygo-org/ksched/kernel"
	"github.com/tinygo-org/ksched/lock"
)

// errExit ends a script early with a clean exit status.
var errExit = errors.New("exit")

// One line of a thread script.
type action struct {
	line int
	text string
	op   string
	args []string
	n    int64
	d    time.Duration
}

// Argument counts of every script operation, and the kind of the first
// argument where it names something.
var ops = map[string]struct {
	min, max int
	ref      string
}{
	"lock":      {1, 1, "lock"},
	"unlock":    {1, 1, "lock"},
	"trylock":   {1, 1, "lock"},
	"rlock":     {1, 1, "rwlock"},
	"runlock":   {1, 1, "rwlock"},
	"wlock":     {1, 1, "rwlock"},
	"wunlock":   {1, 1, "rwlock"},
	"destroy":   {1, 1, "lock"},
	"yield":     {0, 0, ""},
	"suspend":   {0, 1, "thread"},
	"resume":    {1, 1, "thread"},
	"interrupt": {1, 1, "thread"},
	"priority":  {1, 2, ""},
	"spin":      {1, 1, ""},
	"busy":      {1, 1, ""},
	"print":     {1, -1, ""},
	"kill":      {1, 1, "team"},
	"exit":      {0, -1, ""},
}

// parseScript splits every line of a script into shell words.
func parseScript(lines []string) ([]action, error) {
	actions := make([]action, 0, len(lines))
	for i, line := range lines {
		words, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if len(words) == 0 {
			continue
		}
		a := action{line: i + 1, text: line, op: words[0], args: words[1:]}
		op, ok := ops[a.op]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown operation %q", a.line, a.op)
		}
		if len(a.args) < op.min || (op.max >= 0 && len(a.args) > op.max) {
			return nil, fmt.Errorf("line %d: wrong number of arguments to %s", a.line, a.op)
		}
		switch a.op {
		case "priority", "spin":
			a.n, err = strconv.ParseInt(a.args[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", a.line, a.op, err)
			}
			if a.op == "priority" && (a.n < kernel.PriorityMin || a.n > kernel.PriorityMax) {
				return nil, fmt.Errorf("line %d: priority %d out of range [%d, %d]",
					a.line, a.n, kernel.PriorityMin, kernel.PriorityMax)
			}
		case "busy":
			a.d, err = time.ParseDuration(a.args[0])
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", a.line, a.op, err)
			}
		}
		actions = append(actions, a)
	}
	return actions, nil
}

type lockEntry struct {
	kind  config.LockKind
	mutex *lock.Mutex
	rec   *lock.RecursiveLock
	rw    *lock.RWLock
}

// exclusive returns the locker used by lock and unlock. For an RWLock that is
// the write side.
func (l *lockEntry) exclusive() lock.Locker {
	switch l.kind {
	case config.KindRecursive:
		return l.rec
	case config.KindRWLock:
		return l.rw.WLocker()
	}
	return l.mutex
}

func (l *lockEntry) destroy(caller *kernel.Thread) {
	switch l.kind {
	case config.KindRecursive:
		l.rec.Destroy(caller)
	case config.KindRWLock:
		l.rw.Destroy(caller)
	default:
		l.mutex.Destroy(caller)
	}
}

// A scenario is a kernel populated from a scenario file. The maps are filled
// in before any thread runs and are read-only afterwards.
type scenario struct {
	k       *kernel.Kernel
	teams   map[string]*kernel.Team
	locks   map[string]*lockEntry
	threads map[string]*kernel.Thread
	order   []*kernel.Thread
	boot    []*kernel.Thread
	out     *output
	step    *stepper
}

// newScenario creates the kernel and every team, lock and thread of f. No
// thread is resumed yet.
func newScenario(f *config.File, kc kernel.Config, out *output) (_ *scenario, err error) {
	k, err := kernel.New(kc)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			// Ends the goroutines of threads spawned so far.
			k.Shutdown(context.Background())
		}
	}()
	s := &scenario{
		k:       k,
		teams:   map[string]*kernel.Team{},
		locks:   map[string]*lockEntry{},
		threads: map[string]*kernel.Thread{},
		out:     out,
	}
	for _, t := range f.Teams {
		team, err := k.CreateTeam(t.Name)
		if err != nil {
			return nil, err
		}
		s.teams[t.Name] = team
	}
	for _, l := range f.Locks {
		e := &lockEntry{kind: l.Kind}
		owner := s.teams[l.Team]
		switch l.Kind {
		case config.KindMutex:
			e.mutex = new(lock.Mutex)
			err = e.mutex.Init(k, l.Name, owner)
		case config.KindRecursive:
			e.rec = new(lock.RecursiveLock)
			err = e.rec.Init(k, l.Name, owner)
		case config.KindRWLock:
			e.rw = new(lock.RWLock)
			err = e.rw.Init(k, l.Name, owner)
		}
		if err != nil {
			return nil, err
		}
		s.locks[l.Name] = e
	}

	scripts := make([][]action, len(f.Threads))
	for i, t := range f.Threads {
		if scripts[i], err = parseScript(t.Script); err != nil {
			return nil, fmt.Errorf("thread %q: %w", t.Name, err)
		}
	}
	names := map[string]bool{}
	for _, t := range f.Threads {
		names[t.Name] = true
	}
	for i, t := range f.Threads {
		for _, a := range scripts[i] {
			if err := s.check(t, a, names); err != nil {
				return nil, fmt.Errorf("thread %q: line %d: %w", t.Name, a.line, err)
			}
		}
	}

	for i, t := range f.Threads {
		stack, err := t.StackBytes()
		if err != nil {
			return nil, err
		}
		attr := kernel.ThreadAttr{
			Name:      t.Name,
			Team:      s.teams[t.Team],
			Priority:  t.Priority,
			StackSize: stack,
			Entry:     s.entry(scripts[i]),
		}
		if t.CPU != nil {
			attr.Pinned = true
			attr.CPU = *t.CPU
		}
		th, err := k.SpawnThread(attr)
		if err != nil {
			return nil, err
		}
		s.threads[t.Name] = th
		s.order = append(s.order, th)
		if !t.Suspended {
			s.boot = append(s.boot, th)
		}
	}
	return s, nil
}

// check resolves the names an action refers to.
func (s *scenario) check(t config.Thread, a action, threads map[string]bool) error {
	op := ops[a.op]
	if op.ref == "" || len(a.args) == 0 {
		if a.op == "priority" && len(a.args) == 2 && !threads[a.args[1]] {
			return fmt.Errorf("unknown thread %q", a.args[1])
		}
		return nil
	}
	name := a.args[0]
	switch op.ref {
	case "lock", "rwlock":
		l, ok := s.locks[name]
		if !ok {
			return fmt.Errorf("unknown lock %q", name)
		}
		if op.ref == "rwlock" && l.kind != config.KindRWLock {
			return fmt.Errorf("%s needs an rwlock, %q is a %s", a.op, name, l.kind)
		}
		if a.op == "trylock" && l.kind == config.KindRWLock {
			return fmt.Errorf("trylock needs a mutex, %q is an rwlock", name)
		}
	case "thread":
		if !threads[name] {
			return fmt.Errorf("unknown thread %q", name)
		}
	case "team":
		if _, ok := s.teams[name]; !ok {
			return fmt.Errorf("unknown team %q", name)
		}
		if name == t.Team {
			return fmt.Errorf("thread cannot kill its own team %q", name)
		}
	}
	return nil
}

func (s *scenario) entry(script []action) func(*kernel.Thread) error {
	return func(self *kernel.Thread) error {
		for _, a := range script {
			if s.step != nil {
				s.step.wait(self, a)
			}
			if a.op != "print" {
				s.out.action(self, a.text)
			}
			err := s.exec(self, a)
			if err == errExit {
				return nil
			}
			if err != nil {
				return fmt.Errorf("line %d: %s: %w", a.line, a.op, err)
			}
		}
		return nil
	}
}

func (s *scenario) exec(self *kernel.Thread, a action) error {
	k := self.Kernel()
	switch a.op {
	case "lock":
		return s.locks[a.args[0]].exclusive().Lock(self)
	case "unlock":
		s.locks[a.args[0]].exclusive().Unlock(self)
	case "trylock":
		l := s.locks[a.args[0]]
		var ok bool
		if l.kind == config.KindRecursive {
			ok = l.rec.TryLock(self)
		} else {
			ok = l.mutex.TryLock(self)
		}
		s.out.action(self, fmt.Sprintf("trylock %s: %v", a.args[0], ok))
	case "rlock":
		return s.locks[a.args[0]].rw.ReadLock(self)
	case "runlock":
		s.locks[a.args[0]].rw.ReadUnlock(self)
	case "wlock":
		return s.locks[a.args[0]].rw.WriteLock(self)
	case "wunlock":
		s.locks[a.args[0]].rw.WriteUnlock(self)
	case "destroy":
		s.locks[a.args[0]].destroy(self)
	case "yield":
		k.Yield(self)
	case "suspend":
		target := self
		if len(a.args) == 1 {
			target = s.threads[a.args[0]]
		}
		return k.SuspendThread(self, target)
	case "resume":
		return k.ResumeThread(self, s.threads[a.args[0]])
	case "interrupt":
		return k.InterruptThread(self, s.threads[a.args[0]])
	case "priority":
		target := self
		if len(a.args) == 2 {
			target = s.threads[a.args[1]]
		}
		old, err := k.SetThreadPriority(self, target, int32(a.n))
		if err != nil {
			return err
		}
		s.out.action(self, fmt.Sprintf("priority of %s was %d", target.Name(), old))
	case "spin":
		for i := int64(0); i < a.n; i++ {
			k.RescheduleIfNecessary(self)
		}
	case "busy":
		for deadline := time.Now().Add(a.d); time.Now().Before(deadline); {
			k.RescheduleIfNecessary(self)
		}
	case "print":
		s.out.action(self, strings.Join(a.args, " "))
	case "kill":
		return k.DestroyTeam(self, s.teams[a.args[0]])
	case "exit":
		if len(a.args) != 0 {
			return errors.New(strings.Join(a.args, " "))
		}
		return errExit
	}
	return nil
}
