// Package diagnostics takes snapshots of a running kernel and prints them in a
// consistent, sorted way.
package diagnostics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/tinygo-org/ksched/config"
	"github.com/tinygo-org/ksched/kernel"
)

// A point-in-time view of a whole kernel. The parts are taken one after the
// other, so a thread may appear in a different state in Threads than in the
// waiter list of a lock.
type Snapshot struct {
	Mode    kernel.Mode
	Quantum string
	CPUs    []CPU
	Teams   []kernel.TeamInfo
	Threads []kernel.ThreadInfo
	Locks   []kernel.LockInfo
	Stats   kernel.Stats
}

// CPU is the view of a single CPU.
type CPU struct {
	ID       int
	Current  kernel.ThreadID
	Priority int32
	Queued   int
	Stats    kernel.CPUStats
}

// Take reads the state of k. Threads are sorted by id, teams by id and locks
// by name.
func Take(k *kernel.Kernel) *Snapshot {
	s := &Snapshot{
		Mode:    k.Mode(),
		Quantum: k.Quantum().String(),
		Teams:   k.Teams(),
		Threads: k.Threads(),
		Locks:   k.Locks(),
		Stats:   k.Stats(),
	}
	if k.Quantum() <= 0 {
		s.Quantum = "off"
	}
	for i := 0; i < k.NumCPU(); i++ {
		c := k.CPU(i)
		cur := kernel.NoThread
		if t := c.Current(); t != nil {
			cur = t.ID()
		}
		s.CPUs = append(s.CPUs, CPU{
			ID:       c.ID(),
			Current:  cur,
			Priority: c.CurrentPriority(),
			Queued:   c.RunQueueLen(),
			Stats:    c.Stats(),
		})
	}
	sort.Slice(s.Teams, func(i, j int) bool { return s.Teams[i].ID < s.Teams[j].ID })
	sort.Slice(s.Threads, func(i, j int) bool { return s.Threads[i].ID < s.Threads[j].ID })
	sort.SliceStable(s.Locks, func(i, j int) bool { return s.Locks[i].Name < s.Locks[j].Name })
	return s
}

// Thread returns the snapshot of the thread with the given id.
func (s *Snapshot) Thread(id kernel.ThreadID) (kernel.ThreadInfo, bool) {
	i := sort.Search(len(s.Threads), func(i int) bool { return s.Threads[i].ID >= id })
	if i < len(s.Threads) && s.Threads[i].ID == id {
		return s.Threads[i], true
	}
	return kernel.ThreadInfo{}, false
}

// Waiting returns the threads that are blocked on a wait list.
func (s *Snapshot) Waiting() []kernel.ThreadInfo {
	var waiting []kernel.ThreadInfo
	for _, t := range s.Threads {
		if t.State == kernel.StateWaiting {
			waiting = append(waiting, t)
		}
	}
	return waiting
}

// Write the snapshot to the given writer.
func (s *Snapshot) WriteTo(w io.Writer) {
	fmt.Fprintf(w, "mode %s, quantum %s\n", s.Mode, s.Quantum)

	fmt.Fprintln(w, "\n# cpus")
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tCURRENT\tPRIO\tQUEUED\tSWITCHES\tSIGNALS\tIDLE")
	for _, c := range s.CPUs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\n", c.ID, s.threadName(c.Current), c.Priority,
			c.Queued, c.Stats.ContextSwitches, c.Stats.Signals, c.Stats.IdleDispatches)
	}
	tw.Flush()

	fmt.Fprintln(w, "\n# teams")
	tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tMAIN\tTHREADS")
	for _, team := range s.Teams {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", team.ID, team.Name, team.State,
			s.threadName(team.MainThread), len(team.Threads))
	}
	tw.Flush()

	fmt.Fprintln(w, "\n# threads")
	tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTEAM\tPRIO\tCLASS\tSTATE\tCPU\tSTACK\tRUNS\tCPU TIME\tWAITING ON")
	for _, t := range s.Threads {
		cpu := "-"
		if t.CPU >= 0 {
			cpu = fmt.Sprint(t.CPU)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\t%s\t%d\t%v\t%s\n", t.ID, t.Name, t.Team, t.Priority,
			kernel.ClassOf(t.Priority), t.State, cpu, formatStack(t.StackSize), t.Dispatches, t.CPUTime, t.WaitingOn)
	}
	tw.Flush()

	fmt.Fprintln(w, "\n# locks")
	for _, l := range s.Locks {
		names := make([]string, len(l.Waiters))
		for i, id := range l.Waiters {
			names[i] = s.threadName(id)
		}
		fmt.Fprintf(w, "%s (team %d): %d waiting", l.Name, l.Team, len(l.Waiters))
		if len(names) != 0 {
			fmt.Fprintf(w, ": %s", strings.Join(names, ", "))
		}
		fmt.Fprintln(w)
	}

	st := s.Stats
	fmt.Fprintln(w, "\n# stats")
	fmt.Fprintf(w, "threads created %d, freed %d; locks created %d\n", st.ThreadsCreated, st.ThreadsFreed, st.LocksCreated)
	fmt.Fprintf(w, "context switches %d, signals %d, ticks %d\n", st.ContextSwitches, st.Signals, st.Ticks)
	fmt.Fprintf(w, "forced wakes %d, interrupted waits %d\n", st.ForcedWakes, st.InterruptedWaits)
}

func (s *Snapshot) threadName(id kernel.ThreadID) string {
	if id == kernel.NoThread {
		return "-"
	}
	if t, ok := s.Thread(id); ok {
		return fmt.Sprintf("%s (%d)", t.Name, id)
	}
	return fmt.Sprint(id)
}

func formatStack(n int64) string {
	if n == 0 {
		return "-"
	}
	return config.FormatSize(n)
}
