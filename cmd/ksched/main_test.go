package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func runKsched(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// requireOrder checks that the given strings appear in out in this order.
func requireOrder(t *testing.T, out string, want ...string) {
	t.Helper()
	pos := 0
	for _, w := range want {
		i := strings.Index(out[pos:], w)
		require.GreaterOrEqual(t, i, 0, "%q missing or out of order in:\n%s", w, out)
		pos += i + len(w)
	}
}

const handoff = `
kernel:
  cpus: 1
  quantum: "off"
locks:
  - name: m
    kind: mutex
threads:
  - name: a
    script:
      - lock m
      - resume b
      - yield
      - print a done
      - unlock m
  - name: b
    suspended: true
    script:
      - lock m
      - print b got the lock
      - unlock m
`

func TestRunHandoff(t *testing.T) {
	code, stdout, stderr := runKsched(t, "-color", "never", "-metrics", writeScenario(t, handoff))
	require.Equal(t, 0, code, stderr)
	requireOrder(t, stdout, "a: lock m", "a: yield", "b: lock m", "a: a done", "a: unlock m", "b: b got the lock")
	require.Contains(t, stdout, "a: ok")
	require.Contains(t, stdout, "b: ok")
	require.Contains(t, stdout, "/sched/threads/created:threads 2")
	require.NotContains(t, stdout, "\x1b[")
}

func TestRunTrace(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "trace.txt")
	code, stdout, stderr := runKsched(t, "-color", "always", "-trace", "-trace-file", tracePath, writeScenario(t, handoff))
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "switch ")

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	trace := string(data)
	require.Contains(t, trace, "ready a (prio 10)")
	require.Contains(t, trace, "switch b (WAITING) -> a (prio 10)")
	require.NotContains(t, trace, "\x1b[")
	_, err = os.Stat(tracePath + ".lock")
	require.True(t, os.IsNotExist(err), "lock file was left behind")
}

func TestRunTraceFileBusy(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "trace.txt")
	other := flock.New(tracePath + ".lock")
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.Unlock()

	code, _, stderr := runKsched(t, "-trace-file", tracePath, writeScenario(t, handoff))
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "in use")
}

func TestRunThreadFailure(t *testing.T) {
	path := writeScenario(t, `
kernel: {cpus: 1}
threads:
  - name: quitter
    script:
      - print leaving
      - exit "something went wrong"
      - print unreachable
`)
	code, stdout, stderr := runKsched(t, "-color", "never", path)
	require.Equal(t, 1, code)
	require.Contains(t, stdout, "quitter: leaving")
	require.NotContains(t, stdout, "unreachable")
	require.Contains(t, stderr, "something went wrong")
}

func TestRunContractViolation(t *testing.T) {
	path := writeScenario(t, `
locks:
  - name: m
    kind: mutex
threads:
  - name: stranger
    script:
      - unlock m
`)
	code, stdout, _ := runKsched(t, "-color", "never", path)
	require.Equal(t, 1, code)
	require.Contains(t, stdout, "stranger: ")
	require.Contains(t, stdout, "mutex_unlock")
}

func TestRunDeadlock(t *testing.T) {
	path := writeScenario(t, `
kernel: {cpus: 2}
locks:
  - name: m
    kind: mutex
threads:
  - name: holder
    script:
      - lock m
      - resume waiter
      - suspend
  - name: waiter
    suspended: true
    script:
      - lock m
`)
	code, stdout, stderr := runKsched(t, "-color", "never", "-timeout", "300ms", path)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "threads did not exit")
	require.Contains(t, stdout, "# locks")
	require.Contains(t, stdout, "m (team 0): 1 waiting: waiter (")
}

func TestRunCheck(t *testing.T) {
	code, stdout, stderr := runKsched(t, "-check", "-cpus", "3", "-mode", "throughput", writeScenario(t, handoff))
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "cpus: 3")
	require.Contains(t, stdout, "mode: throughput")
	require.Contains(t, stdout, "suspended: true")
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := runKsched(t)
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "usage: ksched")

	code, _, _ = runKsched(t, "-no-such-flag", "x.yaml")
	require.Equal(t, 2, code)

	code, _, stderr = runKsched(t, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "missing.yaml")
}

func TestParseScript(t *testing.T) {
	actions, err := parseScript([]string{"lock m", "", `print "hello world" again`, "busy 2ms", "priority 20 other"})
	require.NoError(t, err)
	require.Len(t, actions, 4)
	require.Equal(t, []string{"hello world", "again"}, actions[1].args)
	require.Equal(t, 3, actions[1].line)
	require.Equal(t, "2ms", actions[2].d.String())
	require.Equal(t, int64(20), actions[3].n)

	for _, line := range []string{
		"jump",
		"yield now",
		"lock",
		"priority high",
		"priority 0",
		"priority 64",
		"busy forever",
		`print "unterminated`,
	} {
		_, err := parseScript([]string{line})
		require.Error(t, err, line)
	}
}

func TestScenarioReferences(t *testing.T) {
	for _, tc := range []struct {
		line string
		msg  string
	}{
		{"rlock m", "needs an rwlock"},
		{"lock nothing", `unknown lock "nothing"`},
		{"resume ghost", `unknown thread "ghost"`},
		{"priority 5 ghost", `unknown thread "ghost"`},
		{"kill app", "own team"},
		{"kill nobody", `unknown team "nobody"`},
	} {
		path := writeScenario(t, `
teams:
  - name: app
locks:
  - name: m
    kind: mutex
threads:
  - name: t
    team: app
    script:
      - `+tc.line+`
`)
		code, _, stderr := runKsched(t, path)
		require.Equal(t, 1, code, tc.line)
		require.Contains(t, stderr, tc.msg, tc.line)
	}
}
