package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/portkeeper/internal/history"
	"github.com/shinji-kodama/portkeeper/internal/liveness"
	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/reconcile"
	"github.com/shinji-kodama/portkeeper/internal/supervision"
)

// resetGlobals restores the package-level flag variables after a test.
func resetGlobals(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		jsonOutput = false
		verbose = false
		configPath = ""
		registryPath = ""
		discoveryDir = ""
	})
}

// writeTestConfig writes a config that keeps every path inside dir and
// disables the lock and supervision daemon. extra must not repeat a
// top-level key already written here.
func writeTestConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	content := `registry:
  path: ` + filepath.Join(dir, "ports.yaml") + `
supervision:
  backend: none
history:
  path: ` + filepath.Join(dir, "history.db") + `
lock:
  enabled: false
log:
  level: error
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewApp(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	configPath = writeTestConfig(t, dir, "")

	a, err := newApp()
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.Equal(t, filepath.Join(dir, "ports.yaml"), a.cfg.Registry.Path)
	assert.False(t, a.cfg.Lock.Enabled)

	sup, err := a.supervisor()
	require.NoError(t, err)
	assert.IsType(t, supervision.Noop{}, sup)

	oracle, err := a.oracle(nil)
	require.NoError(t, err)
	assert.IsType(t, &liveness.ProcessTable{}, oracle)

	lock, err := a.lock(false)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestNewApp_Overrides(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	configPath = writeTestConfig(t, dir, "")
	registryPath = filepath.Join(dir, "other.json")
	discoveryDir = filepath.Join(dir, "elsewhere")

	a, err := newApp()
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.Equal(t, registryPath, a.cfg.Registry.Path)
	assert.Equal(t, discoveryDir, a.cfg.Discovery.Dir)
}

func TestNewApp_InvalidConfig(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	configPath = writeTestConfig(t, dir, "ports:\n  range_start: 9000\n  range_end: 8000\n")

	_, err := newApp()
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitConfigInvalid, cliErr.Code)
}

func TestApp_PIDOracle(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	configPath = writeTestConfig(t, dir, "loop:\n  oracle: pid\n")

	a, err := newApp()
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	hist, err := a.history()
	require.NoError(t, err)
	require.NotNil(t, hist)

	oracle, err := a.oracle(hist)
	require.NoError(t, err)
	assert.IsType(t, &liveness.PIDTracker{}, oracle)

	_, err = a.oracle(nil)
	assert.Error(t, err)
}

// TestApp_ReconcilerTick wires the real components and runs one tick
// against a discovery directory holding a single shell worker.
func TestApp_ReconcilerTick(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	worker := filepath.Join(bin, "echo.sh")
	require.NoError(t, os.WriteFile(worker, []byte("#!/bin/sh\nsleep 1\n"), 0o755))

	configPath = writeTestConfig(t, dir, `ports:
  range_start: 42000
  range_end: 42100
discovery:
  dir: `+bin+`
  pattern: "*.sh"
launcher:
  interpreter: ["/bin/sh"]
  log_dir: `+dir+`
`)

	a, err := newApp()
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	rec, err := a.reconciler(context.Background(), false)
	require.NoError(t, err)

	report, err := rec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, 1, report.Workers)

	reg := a.store().Load()
	require.Contains(t, reg, worker)
	assert.GreaterOrEqual(t, reg[worker], 42000)
	assert.LessOrEqual(t, reg[worker], 42100)

	hist, err := a.history()
	require.NoError(t, err)
	events, err := hist.Recent(context.Background(), worker, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, history.ActionRegister, events[0].Action)
}

func TestPrintTickResultText(t *testing.T) {
	report := reconcile.Report{
		TickID:     "tick-1",
		Workers:    3,
		Alive:      1,
		Restarted:  1,
		Registered: 1,
		Duration:   1500 * time.Microsecond,
		Outcomes: []reconcile.Outcome{
			{Program: "a", Port: 5001, Action: history.ActionRestart, PID: 42},
			{Program: "b", Port: 5002, Action: history.ActionRegister},
			{Program: "c", Port: 5003, Action: reconcile.ActionAlive},
			{Program: "d", Port: 5004, OldPort: 5000, Action: history.ActionReallocate},
		},
	}

	var buf bytes.Buffer
	printTickResultText(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "pid 42")
	assert.Contains(t, out, "5000 → 5004")
	assert.NotContains(t, out, " c ")
	assert.True(t, strings.HasPrefix(lastLine(out), "Tick tick-1: 3 workers, 1 alive, 1 restarted, 1 registered"))
}

func TestPrintHistoryResult(t *testing.T) {
	var buf bytes.Buffer
	printHistoryResult(&buf, nil)
	assert.Equal(t, "No events found.\n", buf.String())

	buf.Reset()
	printHistoryResult(&buf, []history.Event{
		{TickID: "t1", Worker: "/root/bin/a.worker", Port: 5001, PID: 7, Action: history.ActionRestart, At: time.Now()},
		{TickID: "t1", Worker: "/root/bin/b.worker", Port: 5002, Action: history.ActionEvict, At: time.Now()},
	})
	out := buf.String()
	assert.Contains(t, out, "restart")
	assert.Contains(t, out, "evict")
	assert.Contains(t, out, "5002")
}

func TestConfigCommand(t *testing.T) {
	resetGlobals(t)
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "backend: none")
	assert.Contains(t, out.String(), filepath.Join(dir, "ports.yaml"))
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "tick", "list", "port", "history", "config"} {
		assert.Contains(t, names, want)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}
