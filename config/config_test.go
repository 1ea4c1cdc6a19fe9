package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/ksched/kernel"
)

const scenario = `
kernel:
  cpus: 2
  max_threads: 32
  mode: throughput
  quantum: 5ms
  stack_size: 16KB
teams:
  - name: app
locks:
  - name: db
    kind: rwlock
    team: app
  - name: log
    kind: mutex
threads:
  - name: writer
    team: app
    priority: 20
    cpu: 1
    stack_size: 8KB
    script:
      - wlock db
      - yield
      - wunlock db
  - name: reader
    suspended: true
    script:
      - rlock db
      - runlock db
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(scenario))
	require.NoError(t, err)
	require.Len(t, f.Teams, 1)
	require.Len(t, f.Locks, 2)
	require.Equal(t, KindRWLock, f.Locks[0].Kind)
	require.Len(t, f.Threads, 2)

	writer := f.Threads[0]
	require.Equal(t, int32(20), writer.Priority)
	require.NotNil(t, writer.CPU)
	require.Equal(t, 1, *writer.CPU)
	stack, err := writer.StackBytes()
	require.NoError(t, err)
	require.Equal(t, int64(8<<10), stack)
	require.True(t, f.Threads[1].Suspended)
	require.Nil(t, f.Threads[1].CPU)

	c, err := f.Kernel.Config()
	require.NoError(t, err)
	require.Equal(t, 2, c.CPUs)
	require.Equal(t, 32, c.MaxThreads)
	require.Equal(t, kernel.ModeThroughput, c.Mode)
	require.Equal(t, 5*time.Millisecond, c.Quantum)
	require.Equal(t, int64(16<<10), c.DefaultStackSize)
}

func TestRoundTrip(t *testing.T) {
	f, err := Parse([]byte(scenario))
	require.NoError(t, err)
	data, err := Marshal(f)
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, f, again)
}

func TestKernelDefaults(t *testing.T) {
	c, err := Kernel{}.Config()
	require.NoError(t, err)
	require.Equal(t, kernel.ModeLowLatency, c.Mode)
	require.Zero(t, c.Quantum)
	require.Zero(t, c.DefaultStackSize)

	c, err = Kernel{Quantum: "off"}.Config()
	require.NoError(t, err)
	require.Negative(t, int64(c.Quantum))
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		msg  string
	}{
		{"mode", "kernel: {mode: fast}", "unknown scheduler mode"},
		{"quantum", "kernel: {quantum: soon}", "quantum"},
		{"stack", "kernel: {stack_size: lots}", "stack_size"},
		{"duplicate team", "teams: [{name: a}, {name: a}]", `team "a": duplicate name`},
		{"lock kind", "locks: [{name: l, kind: spin}]", `unknown kind "spin"`},
		{"lock team", "locks: [{name: l, kind: mutex, team: x}]", `unknown team "x"`},
		{"thread team", "threads: [{name: t, team: x, script: [yield]}]", `unknown team "x"`},
		{"priority", "threads: [{name: t, priority: 64, script: [yield]}]", "out of range"},
		{"idle priority", "threads: [{name: t, priority: -1, script: [yield]}]", "out of range"},
		{"script", "threads: [{name: t}]", "empty script"},
		{"unknown key", "kernel: {cores: 2}", "cores"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))
	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "writer", f.Threads[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSizes(t *testing.T) {
	n, err := ParseSize("64KB")
	require.NoError(t, err)
	require.Equal(t, int64(64<<10), n)
	n, err = ParseSize(FormatSize(n))
	require.NoError(t, err)
	require.Equal(t, int64(64<<10), n)
	_, err = ParseSize("-1KB")
	require.Error(t, err)
}
