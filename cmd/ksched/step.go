package main

import (
	"sync"

	"github.com/mattn/go-tty"

	"github.com/tinygo-org/ksched/diagnostics"
	"github.com/tinygo-org/ksched/kernel"
)

// stepper stops every thread before each script line until a key is pressed
// on the controlling terminal. Keys: space or enter runs the line, d dumps
// the kernel state, c continues without stepping.
type stepper struct {
	mu      sync.Mutex
	tty     *tty.TTY
	out     *output
	k       *kernel.Kernel
	running bool
}

func newStepper(k *kernel.Kernel, out *output) (*stepper, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	return &stepper{tty: t, out: out, k: k}, nil
}

// wait blocks the calling thread while it stays the current thread of its
// CPU. Other CPUs keep running until they reach a script line themselves.
func (s *stepper) wait(self *kernel.Thread, a action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.running {
		s.out.printf("[%s line %d] %s ? ", self.Name(), a.line, a.text)
		r, err := s.tty.ReadRune()
		s.out.printf("\n")
		if err != nil {
			s.running = true
			return
		}
		switch r {
		case ' ', '\r', '\n':
			return
		case 'c':
			s.running = true
		case 'd':
			s.dump()
		}
	}
}

func (s *stepper) dump() {
	snap := diagnostics.Take(s.k)
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	if len(s.out.sinks) != 0 {
		snap.WriteTo(s.out.sinks[0].w)
	}
}

func (s *stepper) Close() error {
	return s.tty.Close()
}
