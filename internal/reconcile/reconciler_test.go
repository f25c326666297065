package reconcile

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/portkeeper/internal/history"
	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/port"
	"github.com/shinji-kodama/portkeeper/internal/registry"
)

// TestTick_RestartsDeadWorkerOnSamePort: a registered worker with no
// matching process is relaunched on its registered port and the registry
// is left unchanged.
func TestTick_RestartsDeadWorkerOnSamePort(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5001}
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []launch{{Path: "a.worker", Port: 5001}}, h.launcher.launches)
	assert.Equal(t, model.Registry{"a.worker": 5001}, h.store.reg)
	assert.Equal(t, 1, report.Restarted)
	assert.Equal(t, 0, report.Registered)
	assert.Equal(t, []model.WorkerEntry{{Path: "a.worker", Port: 5001}}, h.supervisor.ensured)

	require.Len(t, h.recorder.events, 1)
	assert.Equal(t, history.ActionRestart, h.recorder.events[0].Action)
	assert.Equal(t, "tick-1", h.recorder.events[0].TickID)
	assert.Equal(t, 1001, h.recorder.events[0].PID)
}

// TestTick_RegistersNewWorker: a discovered worker gets a port inside the
// range that is not listening on the host.
func TestTick_RegistersNewWorker(t *testing.T) {
	h := newHarness()
	h.host[5000] = true
	h.host[5001] = true
	h.discoverer.paths = []string{"b.worker"}
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, h.store.reg, 1)
	p := h.store.reg["b.worker"]
	assert.GreaterOrEqual(t, p, 5000)
	assert.LessOrEqual(t, p, 5010)
	assert.False(t, h.host[p])
	assert.Equal(t, 5002, p)

	assert.Equal(t, []launch{{Path: "b.worker", Port: 5002}}, h.launcher.launches)
	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, 1, report.Workers)
}

func TestTick_AliveWorkerUntouched(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5001}
	h.oracle.alive[model.Signature("a.worker", 5001)] = true
	h.discoverer.paths = []string{"a.worker"}
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.launcher.launches)
	assert.Empty(t, h.supervisor.ensured)
	assert.Equal(t, 1, report.Alive)
	// The registry is written every tick, even when unchanged.
	assert.Equal(t, 1, h.store.saves)
}

func TestTick_IdempotentDiscovery(t *testing.T) {
	h := newHarness()
	h.discoverer.paths = []string{"a.worker", "b.worker", "a.worker"}
	r := h.reconciler(defaultOptions())

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	first := h.store.reg.Clone()
	require.Len(t, first, 2)

	// Both workers came up.
	for path, p := range first {
		h.oracle.alive[model.Signature(path, p)] = true
	}

	report, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, h.store.reg)
	assert.Equal(t, 0, report.Registered)
	assert.Len(t, h.launcher.launches, 2)
}

// TestTick_UniquePorts registers many workers in one tick, with registered
// (dead) workers holding ports that are not listening.
func TestTick_UniquePorts(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"old.worker": 5000}
	h.host[5002] = true
	h.discoverer.paths = []string{"a.worker", "b.worker", "c.worker", "d.worker"}
	r := h.reconciler(defaultOptions())

	_, err := r.Tick(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.store.reg.Validate())
	assert.Equal(t, model.Registry{
		"old.worker": 5000,
		"a.worker":   5001,
		"b.worker":   5003,
		"c.worker":   5004,
		"d.worker":   5005,
	}, h.store.reg)
}

func TestTick_FallbackOnExhaustion(t *testing.T) {
	h := newHarness()
	for p := 5000; p <= 5010; p++ {
		h.host[p] = true
	}
	h.discoverer.paths = []string{"a.worker"}
	r := h.reconciler(defaultOptions())

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Registry{"a.worker": port.DefaultFallbackPort}, h.store.reg)
}

// TestTick_ExhaustedRangeKeepsPortsUnique: with the range full, only the
// first candidate gets the fallback port. The second is skipped, and the
// registry file written through the real store stays loadable across ticks.
func TestTick_ExhaustedRangeKeepsPortsUnique(t *testing.T) {
	h := newHarness()
	h.host[5000] = true
	h.host[5001] = true
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.yaml"), log.New(io.Discard))
	h.discoverer.paths = []string{"a.worker", "b.worker"}

	deps := h.deps()
	deps.Store = store
	r, err := New(deps, Options{RangeStart: 5000, RangeEnd: 5001})
	require.NoError(t, err)

	report, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, 1, report.Failed)

	reg, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, model.Registry{"a.worker": port.DefaultFallbackPort}, reg)

	// a.worker is now running; b.worker is still waiting for a port.
	h.oracle.alive[model.Signature("a.worker", port.DefaultFallbackPort)] = true

	_, err = r.Tick(context.Background())
	require.NoError(t, err)

	reg, err = store.Read()
	require.NoError(t, err)
	assert.Equal(t, model.Registry{"a.worker": port.DefaultFallbackPort}, reg)
	assert.Equal(t, []launch{{"a.worker", port.DefaultFallbackPort}}, h.launcher.launches)
}

func TestTick_StrictExhaustionSkipsCandidate(t *testing.T) {
	h := newHarness()
	for p := 5000; p <= 5010; p++ {
		h.host[p] = true
	}
	h.allocator = port.NewAllocator(h.host, h.host, port.WithStrict(true))
	h.discoverer.paths = []string{"a.worker"}
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.store.reg)
	assert.Empty(t, h.launcher.launches)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Outcomes, 1)
	assert.Contains(t, report.Outcomes[0].Error, "no free port")
}

func TestTick_EvictMissing(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"gone.worker": 5000, "here.worker": 5001}
	h.oracle.alive[model.Signature("here.worker", 5001)] = true

	opts := defaultOptions()
	opts.EvictMissing = true
	opts.Exists = func(path string) bool { return path == "here.worker" }
	r := h.reconciler(opts)

	report, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.Registry{"here.worker": 5001}, h.store.reg)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, []model.WorkerEntry{{Path: "gone.worker", Port: 5000}}, h.supervisor.removed)
	assert.Empty(t, h.launcher.launches)
	// Only the surviving worker is probed.
	assert.Equal(t, []string{model.Signature("here.worker", 5001)}, h.oracle.probes)
}

func TestTick_MissingKeptWithoutEviction(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"gone.worker": 5000}
	r := h.reconciler(defaultOptions())

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Registry{"gone.worker": 5000}, h.store.reg)
	assert.Equal(t, []launch{{Path: "gone.worker", Port: 5000}}, h.launcher.launches)
}

func TestTick_ReallocateOnConflict(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5000, "b.worker": 5001}
	h.host[5000] = true // someone else took a.worker's port

	opts := defaultOptions()
	opts.ReallocateOnConflict = true
	r := h.reconciler(opts)

	report, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.Registry{"a.worker": 5002, "b.worker": 5001}, h.store.reg)
	assert.Equal(t, 1, report.Reallocated)
	assert.Equal(t, 1, report.Restarted)
	assert.ElementsMatch(t, []launch{{"a.worker", 5002}, {"b.worker", 5001}}, h.launcher.launches)

	var realloc Outcome
	for _, o := range report.Outcomes {
		if o.Action == history.ActionReallocate {
			realloc = o
		}
	}
	assert.Equal(t, 5000, realloc.OldPort)
	assert.Equal(t, 5002, realloc.Port)
}

func TestTick_ConflictWithoutReallocationKeepsPort(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5000}
	h.host[5000] = true
	r := h.reconciler(defaultOptions())

	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []launch{{"a.worker", 5000}}, h.launcher.launches)
	assert.Equal(t, model.Registry{"a.worker": 5000}, h.store.reg)
}

func TestTick_ProbeErrorTreatedAsDead(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5001}
	h.oracle.err = errors.New("ps: not found")
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restarted)
	assert.Len(t, h.launcher.launches, 1)
}

// TestTick_ProbeErrorKeepsRegisteredPort: when the oracle cannot answer,
// the worker may still be the process holding its port, so reallocation
// is not attempted and every relaunch uses the registered port.
func TestTick_ProbeErrorKeepsRegisteredPort(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5001}
	h.host[5001] = true
	h.oracle.err = errors.New("ps: fork: resource temporarily unavailable")

	opts := defaultOptions()
	opts.ReallocateOnConflict = true
	r := h.reconciler(opts)

	for i := 0; i < 3; i++ {
		report, err := r.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, report.Reallocated)
	}

	assert.Equal(t, model.Registry{"a.worker": 5001}, h.store.reg)
	assert.Equal(t, []launch{{"a.worker", 5001}, {"a.worker", 5001}, {"a.worker", 5001}}, h.launcher.launches)
}

func TestTick_FailuresDoNotAbort(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5001}
	h.discoverer.paths = []string{"b.worker"}
	h.discoverer.err = nil
	h.launcher.fail["a.worker"] = errors.New("exec format error")
	h.supervisor.err = errors.New("supervisorctl: connection refused")
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Registered)
	assert.Len(t, h.store.reg, 2)
}

func TestTick_FailedLaunchStillRegisters(t *testing.T) {
	h := newHarness()
	h.discoverer.paths = []string{"b.worker"}
	h.launcher.fail["b.worker"] = errors.New("permission denied")
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Registry{"b.worker": 5000}, h.store.reg)
	assert.Equal(t, 1, report.Failed)
}

func TestTick_DiscoveryErrorStillProbes(t *testing.T) {
	h := newHarness()
	h.store.reg = model.Registry{"a.worker": 5001}
	h.discoverer.err = errors.New("permission denied")
	r := h.reconciler(defaultOptions())

	report, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restarted)
}

func TestTick_SaveError(t *testing.T) {
	h := newHarness()
	h.store.saveErr = errors.New("read-only file system")
	r := h.reconciler(defaultOptions())

	_, err := r.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist registry")
	assert.Equal(t, PhaseIdle, r.Phase())
}

func TestNew_Validation(t *testing.T) {
	h := newHarness()

	_, err := New(Deps{}, defaultOptions())
	assert.Error(t, err)

	_, err = New(h.deps(), Options{RangeStart: 6000, RangeEnd: 5000})
	assert.Error(t, err)

	_, err = New(h.deps(), Options{RangeStart: 5000, RangeEnd: 5010, MinInterval: time.Minute, MaxInterval: time.Second})
	assert.Error(t, err)

	_, err = New(h.deps(), Options{RangeStart: 5000, RangeEnd: 5010, EvictMissing: true})
	assert.Error(t, err)

	deps := h.deps()
	deps.Supervisor = nil
	deps.Recorder = nil
	r, err := New(deps, defaultOptions())
	require.NoError(t, err)
	_, err = r.Tick(context.Background())
	assert.NoError(t, err)
}

func TestUniformJitter(t *testing.T) {
	min, max := 30*time.Second, 90*time.Second
	for i := 0; i < 1000; i++ {
		d := uniformJitter(min, max)
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, max)
	}
	assert.Equal(t, min, uniformJitter(min, min))
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "discovering", PhaseDiscovering.String())
	assert.Equal(t, "sleeping", PhaseSleeping.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
