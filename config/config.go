// Package config reads kernel scenarios: the boot parameters of a kernel and
// the teams, locks and scripted threads to create on it.
//
// A scenario is a YAML document:
//
//	kernel:
//	  cpus: 2
//	  mode: throughput
//	  stack_size: 16KB
//	teams:
//	  - name: app
//	locks:
//	  - name: db
//	    kind: rwlock
//	    team: app
//	threads:
//	  - name: writer
//	    team: app
//	    priority: 20
//	    script:
//	      - wlock db
//	      - yield
//	      - wunlock db
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/tinygo-org/ksched/kernel"
)

// File is a parsed scenario.
type File struct {
	Kernel  Kernel   `yaml:"kernel"`
	Teams   []Team   `yaml:"teams,omitempty"`
	Locks   []Lock   `yaml:"locks,omitempty"`
	Threads []Thread `yaml:"threads,omitempty"`
}

// Kernel holds the boot parameters. Zero values select the kernel defaults.
type Kernel struct {
	CPUs       int    `yaml:"cpus,omitempty"`
	MaxThreads int    `yaml:"max_threads,omitempty"`
	MaxLocks   int    `yaml:"max_locks,omitempty"`
	MaxTeams   int    `yaml:"max_teams,omitempty"`
	Mode       string `yaml:"mode,omitempty"`
	// Quantum is a duration such as "5ms", or "off" to disable time slicing.
	Quantum string `yaml:"quantum,omitempty"`
	// StackSize is the default stack size, such as "64KB".
	StackSize string `yaml:"stack_size,omitempty"`
}

// Team is a team created at boot.
type Team struct {
	Name string `yaml:"name"`
}

// LockKind selects the primitive a Lock entry creates.
type LockKind string

const (
	KindMutex     LockKind = "mutex"
	KindRecursive LockKind = "recursive"
	KindRWLock    LockKind = "rwlock"
)

// Lock is a lock primitive created at boot.
type Lock struct {
	Name string   `yaml:"name"`
	Kind LockKind `yaml:"kind"`
	// Team owning the lock. Empty means no owner.
	Team string `yaml:"team,omitempty"`
}

// Thread is a scripted thread.
type Thread struct {
	Name     string `yaml:"name"`
	Team     string `yaml:"team,omitempty"`
	Priority int32  `yaml:"priority,omitempty"`
	// CPU pins the thread when set.
	CPU       *int   `yaml:"cpu,omitempty"`
	StackSize string `yaml:"stack_size,omitempty"`
	// Suspended threads are spawned but not resumed at boot.
	Suspended bool     `yaml:"suspended,omitempty"`
	Script    []string `yaml:"script"`
}

// Load reads and validates a scenario file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a scenario. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	f := new(File)
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Marshal encodes a scenario as YAML.
func Marshal(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}

// Validate checks names and cross references.
func (f *File) Validate() error {
	var errs []error
	if _, err := f.Kernel.Config(); err != nil {
		errs = append(errs, err)
	}
	teams := map[string]bool{}
	for i, team := range f.Teams {
		switch {
		case team.Name == "":
			errs = append(errs, fmt.Errorf("team %d: missing name", i))
		case teams[team.Name]:
			errs = append(errs, fmt.Errorf("team %q: duplicate name", team.Name))
		}
		teams[team.Name] = true
	}
	locks := map[string]bool{}
	for i, l := range f.Locks {
		switch {
		case l.Name == "":
			errs = append(errs, fmt.Errorf("lock %d: missing name", i))
		case locks[l.Name]:
			errs = append(errs, fmt.Errorf("lock %q: duplicate name", l.Name))
		}
		locks[l.Name] = true
		switch l.Kind {
		case KindMutex, KindRecursive, KindRWLock:
		default:
			errs = append(errs, fmt.Errorf("lock %q: unknown kind %q", l.Name, l.Kind))
		}
		if l.Team != "" && !teams[l.Team] {
			errs = append(errs, fmt.Errorf("lock %q: unknown team %q", l.Name, l.Team))
		}
	}
	threads := map[string]bool{}
	for i, t := range f.Threads {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("thread %d: missing name", i))
		case threads[t.Name]:
			errs = append(errs, fmt.Errorf("thread %q: duplicate name", t.Name))
		}
		threads[t.Name] = true
		if t.Team != "" && !teams[t.Team] {
			errs = append(errs, fmt.Errorf("thread %q: unknown team %q", t.Name, t.Team))
		}
		if t.Priority != 0 && (t.Priority < kernel.PriorityMin || t.Priority > kernel.PriorityMax) {
			errs = append(errs, fmt.Errorf("thread %q: priority %d out of range", t.Name, t.Priority))
		}
		if _, err := t.StackBytes(); err != nil {
			errs = append(errs, fmt.Errorf("thread %q: %w", t.Name, err))
		}
		if len(t.Script) == 0 {
			errs = append(errs, fmt.Errorf("thread %q: empty script", t.Name))
		}
	}
	return errors.Join(errs...)
}

// Config converts the boot parameters into a kernel configuration. Logger
// and hooks are left for the caller to fill in.
func (k Kernel) Config() (kernel.Config, error) {
	mode, err := kernel.ParseMode(k.Mode)
	if err != nil {
		return kernel.Config{}, err
	}
	c := kernel.Config{
		CPUs:       k.CPUs,
		MaxThreads: k.MaxThreads,
		MaxLocks:   k.MaxLocks,
		MaxTeams:   k.MaxTeams,
		Mode:       mode,
	}
	switch q := strings.TrimSpace(k.Quantum); q {
	case "":
	case "off", "none":
		c.Quantum = -1
	default:
		d, err := time.ParseDuration(q)
		if err != nil {
			return kernel.Config{}, fmt.Errorf("quantum: %w", err)
		}
		if d <= 0 {
			return kernel.Config{}, fmt.Errorf("quantum %v: must be positive", d)
		}
		c.Quantum = d
	}
	if c.DefaultStackSize, err = ParseSize(k.StackSize); err != nil {
		return kernel.Config{}, fmt.Errorf("stack_size: %w", err)
	}
	return c, nil
}

// StackBytes returns the stack size of the thread, or zero for the default.
func (t Thread) StackBytes() (int64, error) {
	n, err := ParseSize(t.StackSize)
	if err != nil {
		return 0, fmt.Errorf("stack_size: %w", err)
	}
	return n, nil
}

// ParseSize parses a human readable size such as "16KB". The empty string is
// zero.
func ParseSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	size, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(size), nil
}

// FormatSize formats a byte count the way ParseSize reads it.
func FormatSize(n int64) string {
	return bytesize.New(float64(n)).String()
}
