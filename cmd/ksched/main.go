// Command ksched runs a kernel scenario: it boots a simulated kernel, creates
// the teams, locks and scripted threads described in a YAML file, and reports
// what the threads did and how the scheduler dispatched them.
//
// Usage:
//
//	ksched [flags] scenario.yaml
//
// Script lines are shell words. The supported operations are:
//
//	lock L, unlock L, trylock L     mutex or recursive lock (write side of an rwlock)
//	rlock L, runlock L              read side of an rwlock
//	wlock L, wunlock L              write side of an rwlock
//	destroy L                       destroy a lock
//	yield                           give up the CPU to a thread of equal priority
//	suspend [T], resume T           suspend self or T, resume T
//	interrupt T                     interrupt the wait of T
//	priority N [T]                  set the priority of self or T
//	spin N, busy DURATION           run without blocking
//	print WORDS...                  print a message
//	kill TEAM                       destroy a team
//	exit [MESSAGE]                  stop, with an error status if MESSAGE is set
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tinygo-org/ksched/config"
	"github.com/tinygo-org/ksched/diagnostics"
	"github.com/tinygo-org/ksched/kernel"
	"github.com/tinygo-org/ksched/metrics"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	cpus     int
	mode     string
	quantum  string
	color    string
	trace    bool
	traceOut string
	step     bool
	dump     bool
	metrics  bool
	check    bool
	verbose  bool
	timeout  time.Duration
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("ksched", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var opts options
	flags.IntVar(&opts.cpus, "cpus", 0, "override the number of CPUs")
	flags.StringVar(&opts.mode, "mode", "", "override the scheduler mode: low-latency, throughput")
	flags.StringVar(&opts.quantum, "quantum", "", "override the time slice (a duration, or off)")
	flags.StringVar(&opts.color, "color", "auto", "colorize output: auto, always, never")
	flags.BoolVar(&opts.trace, "trace", false, "print scheduler events")
	flags.StringVar(&opts.traceOut, "trace-file", "", "write scheduler events to this file")
	flags.BoolVar(&opts.step, "step", false, "stop before every script line and wait for a key press")
	flags.BoolVar(&opts.dump, "dump", false, "print the kernel state when the scenario ends")
	flags.BoolVar(&opts.metrics, "metrics", false, "print scheduler metrics when the scenario ends")
	flags.BoolVar(&opts.check, "check", false, "validate the scenario, print it in normalized form and exit")
	flags.BoolVar(&opts.verbose, "v", false, "log kernel events")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up when the threads have not exited after this long")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: ksched [flags] scenario.yaml\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return 2
	}

	if err := runScenario(flags.Arg(0), opts, stdout, stderr); err != nil {
		fmt.Fprintln(stderr, "ksched:", err)
		return 1
	}
	return 0
}

func runScenario(path string, opts options, stdout, stderr io.Writer) error {
	f, err := config.Load(path)
	if err != nil {
		return err
	}
	if opts.cpus != 0 {
		f.Kernel.CPUs = opts.cpus
	}
	if opts.mode != "" {
		f.Kernel.Mode = opts.mode
	}
	if opts.quantum != "" {
		f.Kernel.Quantum = opts.quantum
	}
	kc, err := f.Kernel.Config()
	if err != nil {
		return err
	}
	if opts.check {
		data, err := config.Marshal(f)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	kc.Logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	out := newOutput()
	if err := out.addTerminal(stdout, opts.color, opts.trace); err != nil {
		return err
	}
	if opts.traceOut != "" {
		tf, err := openTraceFile(opts.traceOut)
		if err != nil {
			return err
		}
		defer tf.Close()
		out.sinks = append(out.sinks, sink{w: tf.f, trace: true})
	}

	s, err := newScenario(f, kc, out)
	if err != nil {
		return err
	}
	if opts.trace || opts.traceOut != "" {
		s.k.AddListener(&tracer{out: out})
	}
	if opts.step {
		st, err := newStepper(s.k, out)
		if err != nil {
			return fmt.Errorf("step mode needs a terminal: %w", err)
		}
		defer st.Close()
		s.step = st
	}

	if err := s.k.Start(); err != nil {
		return err
	}
	for _, th := range s.boot {
		if err := s.k.ResumeThread(nil, th); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	waitErr := s.wait(ctx)
	if waitErr != nil || opts.dump {
		// Taken before shutdown so blocked threads still show their wait.
		out.printf("\n")
		diagnostics.Take(s.k).WriteTo(stdout)
	}
	if opts.metrics {
		printMetrics(stdout, s.k)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.k.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if waitErr != nil {
		return waitErr
	}
	return s.report(stdout)
}

// wait blocks until every scenario thread has exited.
func (s *scenario) wait(ctx context.Context) error {
	for _, th := range s.order {
		select {
		case <-th.Done():
		case <-ctx.Done():
			var alive []string
			for _, th := range s.order {
				select {
				case <-th.Done():
				default:
					alive = append(alive, fmt.Sprintf("%s (%v)", th.Name(), th.State()))
				}
			}
			return fmt.Errorf("threads did not exit: %v", alive)
		}
	}
	return nil
}

// report prints the exit status of every thread and fails if any of them
// returned an error.
func (s *scenario) report(w io.Writer) error {
	var errs []error
	fmt.Fprintln(w)
	for _, th := range s.order {
		if err := th.Err(); err != nil {
			fmt.Fprintf(w, "%s: %v\n", th.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", th.Name(), err))
		} else {
			fmt.Fprintf(w, "%s: ok\n", th.Name())
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("%d of %d threads failed: %w", len(errs), len(s.order), errors.Join(errs...))
	}
	return nil
}

func printMetrics(w io.Writer, k *kernel.Kernel) {
	all := metrics.All()
	samples := make([]metrics.Sample, len(all))
	for i, d := range all {
		samples[i].Name = d.Name
	}
	metrics.Read(k, samples)
	fmt.Fprintln(w)
	for _, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			fmt.Fprintf(w, "%s %d\n", s.Name, s.Value.Uint64())
		case metrics.KindFloat64:
			fmt.Fprintf(w, "%s %g\n", s.Name, s.Value.Float64())
		case metrics.KindFloat64Histogram:
			h := s.Value.Float64Histogram()
			fmt.Fprintf(w, "%s", s.Name)
			for i, n := range h.Counts {
				if n != 0 {
					fmt.Fprintf(w, " [%g,%g):%d", h.Buckets[i], h.Buckets[i+1], n)
				}
			}
			fmt.Fprintln(w)
		}
	}
}
