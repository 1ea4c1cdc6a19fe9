package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tinygo-org/ksched/kernel"
)

// ANSI colors, one per CPU modulo the palette.
var palette = []string{"\x1b[36m", "\x1b[33m", "\x1b[32m", "\x1b[35m", "\x1b[34m", "\x1b[31m"}

const colorReset = "\x1b[0m"

type sink struct {
	w     io.Writer
	color bool
	trace bool
}

// output serializes scenario events and scheduler trace lines onto one or
// more writers.
type output struct {
	mu    sync.Mutex
	start time.Time
	sinks []sink
}

func newOutput() *output {
	return &output{start: time.Now()}
}

// addTerminal adds w as a sink. Colors are used when mode is "always", or
// when it is "auto" and w is a terminal. Trace lines are only written when
// trace is set.
func (o *output) addTerminal(w io.Writer, mode string, trace bool) error {
	s := sink{w: w, trace: trace}
	switch mode {
	case "always":
		s.color = true
	case "never":
	case "auto", "":
		if f, ok := w.(*os.File); ok {
			s.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	default:
		return fmt.Errorf("unknown color mode %q", mode)
	}
	if f, ok := w.(*os.File); ok && s.color {
		s.w = colorable.NewColorable(f)
	}
	o.sinks = append(o.sinks, s)
	return nil
}

// traceFile is a plain trace sink in a file. The file is guarded by an
// advisory lock so two runs cannot interleave their traces.
type traceFile struct {
	f    *os.File
	lock *flock.Flock
}

func openTraceFile(path string) (*traceFile, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("trace file %s is in use by another run", path)
	}
	f, err := os.Create(path)
	if err != nil {
		fl.Unlock()
		return nil, err
	}
	return &traceFile{f: f, lock: fl}, nil
}

func (tf *traceFile) Close() error {
	err := tf.f.Close()
	if uerr := tf.lock.Unlock(); err == nil {
		err = uerr
	}
	os.Remove(tf.lock.Path())
	return err
}

func (o *output) line(cpu int, trace bool, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	elapsed := time.Since(o.start).Seconds()
	where := "cpu-"
	if cpu >= 0 {
		where = fmt.Sprintf("cpu%d", cpu)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.sinks {
		if trace && !s.trace {
			continue
		}
		if s.color && cpu >= 0 {
			fmt.Fprintf(s.w, "%10.6f %s%-5s %s%s\n", elapsed, palette[cpu%len(palette)], where, msg, colorReset)
		} else {
			fmt.Fprintf(s.w, "%10.6f %-5s %s\n", elapsed, where, msg)
		}
	}
}

// action reports a script line run by t.
func (o *output) action(t *kernel.Thread, msg string) {
	o.line(t.CPU(), false, "%s: %s", t.Name(), msg)
}

// printf writes an unprefixed message to every sink.
func (o *output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.sinks {
		fmt.Fprintf(s.w, format, args...)
	}
}

// tracer prints scheduler events. It is called with thread transition locks
// held, so it must not call back into the kernel.
type tracer struct {
	out *output
}

func (tr *tracer) ThreadEnqueuedInRunQueue(t kernel.ThreadInfo) {
	tr.out.line(-1, true, "ready %s (prio %d)", t.Name, t.Priority)
}

func (tr *tracer) ThreadRemovedFromRunQueue(t kernel.ThreadInfo) {
	tr.out.line(-1, true, "unready %s", t.Name)
}

func (tr *tracer) ThreadScheduled(old, next kernel.ThreadInfo) {
	tr.out.line(next.CPU, true, "switch %s (%s) -> %s (prio %d)", old.Name, old.State, next.Name, next.Priority)
}
