// Package metrics exposes scheduler counters of a kernel under stable names,
// in the shape of runtime/metrics.
package metrics

import (
	"math"
	"sort"

	"github.com/tinygo-org/ksched/kernel"
)

type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

var descriptions = []Description{
	{"/sched/context-switches:switches", "Context switches performed by all CPUs.", KindUint64, true},
	{"/sched/idle/dispatches:switches", "Switches to an idle thread.", KindUint64, true},
	{"/sched/locks/created:locks", "Lock wait lists ever initialized.", KindUint64, true},
	{"/sched/locks/live:locks", "Lock wait lists currently registered.", KindUint64, false},
	{"/sched/quantum:seconds", "Current time slice, or zero when time slicing is off.", KindFloat64, false},
	{"/sched/run-queue/length:threads", "Ready threads queued on all CPUs.", KindUint64, false},
	{"/sched/signals:signals", "Inter-CPU reschedule signals delivered.", KindUint64, true},
	{"/sched/threads/cpu-time:seconds", "Distribution of CPU time consumed by live threads.", KindFloat64Histogram, false},
	{"/sched/threads/created:threads", "Threads ever spawned.", KindUint64, true},
	{"/sched/threads/freed:threads", "Threads whose table slot was released.", KindUint64, true},
	{"/sched/threads/live:threads", "Threads currently in the thread table, idle threads included.", KindUint64, false},
	{"/sched/ticks:ticks", "Quantum timer ticks.", KindUint64, true},
	{"/sched/waits/interrupted:waits", "Waits ended by an interrupt.", KindUint64, true},
	{"/sched/wakes/forced:wakes", "Waiters woken because their lock was destroyed.", KindUint64, true},
}

// All returns the descriptions of every supported metric, sorted by name.
func All() []Description {
	return append([]Description(nil), descriptions...)
}

type Float64Histogram struct {
	Counts  []uint64
	Buckets []float64
}

// Bucket boundaries of the CPU time histogram, in seconds.
var cpuTimeBuckets = []float64{math.Inf(-1), 0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1, math.Inf(1)}

type Sample struct {
	Name  string
	Value Value
}

// Read fills in the values of the given samples from k. Samples with an
// unknown name are set to KindBad.
func Read(k *kernel.Kernel, m []Sample) {
	st := k.Stats()
	for i := range m {
		v := &m[i].Value
		switch m[i].Name {
		case "/sched/context-switches:switches":
			v.setUint64(st.ContextSwitches)
		case "/sched/idle/dispatches:switches":
			v.setUint64(st.IdleDispatches)
		case "/sched/locks/created:locks":
			v.setUint64(st.LocksCreated)
		case "/sched/locks/live:locks":
			v.setUint64(uint64(k.NumLocks()))
		case "/sched/quantum:seconds":
			q := k.Quantum()
			if q < 0 {
				q = 0
			}
			v.setFloat64(q.Seconds())
		case "/sched/run-queue/length:threads":
			n := 0
			for c := 0; c < k.NumCPU(); c++ {
				n += k.CPU(c).RunQueueLen()
			}
			v.setUint64(uint64(n))
		case "/sched/signals:signals":
			v.setUint64(st.Signals)
		case "/sched/threads/cpu-time:seconds":
			v.setHistogram(cpuTimeHistogram(k.Threads()))
		case "/sched/threads/created:threads":
			v.setUint64(st.ThreadsCreated)
		case "/sched/threads/freed:threads":
			v.setUint64(st.ThreadsFreed)
		case "/sched/threads/live:threads":
			v.setUint64(uint64(k.NumThreads()))
		case "/sched/ticks:ticks":
			v.setUint64(st.Ticks)
		case "/sched/waits/interrupted:waits":
			v.setUint64(st.InterruptedWaits)
		case "/sched/wakes/forced:wakes":
			v.setUint64(st.ForcedWakes)
		default:
			*v = Value{}
		}
	}
}

func cpuTimeHistogram(threads []kernel.ThreadInfo) *Float64Histogram {
	h := &Float64Histogram{
		Counts:  make([]uint64, len(cpuTimeBuckets)-1),
		Buckets: cpuTimeBuckets,
	}
	for _, t := range threads {
		if t.Idle {
			continue
		}
		s := t.CPUTime.Seconds()
		// Bucket i covers [Buckets[i], Buckets[i+1]).
		i := sort.SearchFloat64s(h.Buckets, s)
		if i == len(h.Buckets) || h.Buckets[i] != s {
			i--
		}
		if i >= len(h.Counts) {
			i = len(h.Counts) - 1
		}
		h.Counts[i]++
	}
	return h
}

type Value struct {
	kind    ValueKind
	scalar  uint64
	pointer *Float64Histogram
}

func (v *Value) setUint64(n uint64) {
	*v = Value{kind: KindUint64, scalar: n}
}

func (v *Value) setFloat64(f float64) {
	*v = Value{kind: KindFloat64, scalar: math.Float64bits(f)}
}

func (v *Value) setHistogram(h *Float64Histogram) {
	*v = Value{kind: KindFloat64Histogram, pointer: h}
}

// Float64 returns the value of a KindFloat64 metric. It panics for any other
// kind.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the value of a KindFloat64Histogram metric. It
// panics for any other kind.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("called Float64Histogram on non-histogram metric value")
	}
	return v.pointer
}

func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the value of a KindUint64 metric. It panics for any other
// kind.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)
