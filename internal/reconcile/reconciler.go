package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/shinji-kodama/portkeeper/internal/history"
	"github.com/shinji-kodama/portkeeper/internal/liveness"
	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/supervision"
)

// Store loads and saves the registry. *registry.Store satisfies it.
type Store interface {
	Load() model.Registry
	Save(model.Registry) error
}

// Discoverer lists candidate worker paths. *discovery.Scanner satisfies it.
type Discoverer interface {
	Scan(ctx context.Context) ([]string, error)
}

// Launcher starts a worker. *launcher.Launcher satisfies it.
type Launcher interface {
	Launch(ctx context.Context, path string, port int) (int, error)
}

// Allocator hands out ports. *port.Allocator satisfies it.
type Allocator interface {
	SetReserved(ports map[int]bool)
	Reserve(port int)
	Release(port int)
	Allocate(ctx context.Context, start, end int) (int, error)
	InUse(ctx context.Context, port int) bool
}

// Recorder receives one event per action. *history.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, ev history.Event) error
}

// ErrLoopPanic wraps a panic recovered from a tick. The loop stops on it
// because registry invariants can no longer be trusted.
var ErrLoopPanic = errors.New("reconciliation tick panicked")

// Deps are the collaborators of a Reconciler. Recorder and Logger are
// optional.
type Deps struct {
	Store      Store
	Discoverer Discoverer
	Oracle     liveness.Oracle
	Launcher   Launcher
	Supervisor supervision.Supervisor
	Allocator  Allocator
	Recorder   Recorder
	Logger     *log.Logger
}

// Options tune loop behaviour.
type Options struct {
	RangeStart int
	RangeEnd   int

	MinInterval time.Duration
	MaxInterval time.Duration

	// EvictMissing removes registered workers whose file no longer exists.
	EvictMissing bool

	// ReallocateOnConflict moves a dead worker to a new port when its
	// registered port is held by another process.
	ReallocateOnConflict bool

	// Exists reports whether a worker file is present. Required when
	// EvictMissing is set.
	Exists func(path string) bool

	// Wake, when non-nil, ends a sleep early.
	Wake <-chan struct{}
}

// Reconciler runs reconciliation ticks.
type Reconciler struct {
	deps  Deps
	opts  Options
	log   *log.Logger
	phase atomic.Int32

	newID  func() string
	now    func() time.Time
	jitter func(min, max time.Duration) time.Duration
}

// New validates deps and opts and returns a Reconciler.
func New(deps Deps, opts Options) (*Reconciler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("reconcile: store is required")
	case deps.Discoverer == nil:
		return nil, errors.New("reconcile: discoverer is required")
	case deps.Oracle == nil:
		return nil, errors.New("reconcile: liveness oracle is required")
	case deps.Launcher == nil:
		return nil, errors.New("reconcile: launcher is required")
	case deps.Allocator == nil:
		return nil, errors.New("reconcile: allocator is required")
	}
	if deps.Supervisor == nil {
		deps.Supervisor = supervision.Noop{}
	}
	if opts.RangeStart > opts.RangeEnd || opts.RangeStart < 1 {
		return nil, fmt.Errorf("reconcile: invalid port range %d-%d", opts.RangeStart, opts.RangeEnd)
	}
	if opts.MinInterval < 0 || opts.MaxInterval < opts.MinInterval {
		return nil, fmt.Errorf("reconcile: invalid interval %s-%s", opts.MinInterval, opts.MaxInterval)
	}
	if opts.EvictMissing && opts.Exists == nil {
		return nil, errors.New("reconcile: EvictMissing requires Exists")
	}

	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Reconciler{
		deps:   deps,
		opts:   opts,
		log:    logger,
		newID:  uuid.NewString,
		now:    time.Now,
		jitter: uniformJitter,
	}, nil
}

// uniformJitter returns a duration uniformly distributed in [min, max].
func uniformJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

// Phase returns the phase the loop is currently in.
func (r *Reconciler) Phase() Phase {
	return Phase(r.phase.Load())
}

func (r *Reconciler) setPhase(p Phase) {
	r.phase.Store(int32(p))
	r.log.Debug("phase", "phase", p)
}

// Interval draws the next sleep duration.
func (r *Reconciler) Interval() time.Duration {
	return r.jitter(r.opts.MinInterval, r.opts.MaxInterval)
}

// Run ticks until ctx is cancelled. Cancellation is only observed between
// ticks, so the tick in progress always completes and persists. Run returns
// nil on cancellation and a wrapped ErrLoopPanic if a tick panics. Tick
// errors (a failed registry save) are logged and the loop continues.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciliation loop started",
		"range", fmt.Sprintf("%d-%d", r.opts.RangeStart, r.opts.RangeEnd),
		"interval", fmt.Sprintf("%s-%s", r.opts.MinInterval, r.opts.MaxInterval))

	for {
		report, err := r.safeTick(context.WithoutCancel(ctx))
		if errors.Is(err, ErrLoopPanic) {
			r.setPhase(PhaseIdle)
			return err
		}
		if err != nil {
			r.log.Error("tick failed", "tick", report.TickID, "error", err)
		}

		r.setPhase(PhaseSleeping)
		d := r.Interval()
		r.log.Debug("sleeping", "duration", d)
		if !r.sleep(ctx, d) {
			r.setPhase(PhaseIdle)
			r.log.Info("reconciliation loop stopped")
			return nil
		}
		r.setPhase(PhaseIdle)
	}
}

// sleep waits for d, an early wake or cancellation. It returns false on
// cancellation.
func (r *Reconciler) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-r.opts.Wake:
		r.log.Debug("woken early by new worker file")
		return true
	}
}

func (r *Reconciler) safeTick(ctx context.Context) (report Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("tick panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrLoopPanic, p)
		}
	}()
	return r.Tick(ctx)
}

// Tick runs one discover-probe-act-persist cycle without sleeping. The
// returned error is non-nil only if the registry could not be saved; every
// per-worker failure is logged and recorded in the report instead.
func (r *Reconciler) Tick(ctx context.Context) (Report, error) {
	report := Report{TickID: r.newID(), StartedAt: r.now()}
	logger := r.log.With("tick", report.TickID)

	// DISCOVERING
	r.setPhase(PhaseDiscovering)
	reg := r.deps.Store.Load()
	r.deps.Allocator.SetReserved(reg.Ports())

	if r.opts.EvictMissing {
		for _, entry := range reg.Entries() {
			if r.opts.Exists(entry.Path) {
				continue
			}
			report.add(r.evict(ctx, logger, reg, entry, report.TickID))
		}
	}

	var candidates []string
	paths, err := r.deps.Discoverer.Scan(ctx)
	if err != nil {
		logger.Warn("discovery failed", "error", err)
	}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !reg.Has(p) && !seen[p] {
			seen[p] = true
			candidates = append(candidates, p)
		}
	}

	// PROBING
	r.setPhase(PhaseProbing)
	var dead []deadWorker
	for _, entry := range reg.Entries() {
		alive, err := r.deps.Oracle.IsAlive(ctx, entry.Path, entry.Port)
		if err != nil {
			logger.Warn("liveness probe failed, treating worker as dead",
				"program", entry.Program(), "port", entry.Port, "error", err)
		}
		if alive {
			report.add(Outcome{Worker: entry.Path, Program: entry.Program(), Port: entry.Port, Action: ActionAlive})
			continue
		}
		dead = append(dead, deadWorker{entry: entry, unknown: err != nil})
	}

	// ACTING
	r.setPhase(PhaseActing)
	for _, d := range dead {
		report.add(r.restart(ctx, logger, reg, d, report.TickID))
	}
	for _, path := range candidates {
		report.add(r.register(ctx, logger, reg, path, report.TickID))
	}

	// PERSISTING
	r.setPhase(PhasePersisting)
	report.Workers = len(reg)
	saveErr := r.deps.Store.Save(reg)
	if saveErr != nil {
		saveErr = fmt.Errorf("persist registry: %w", saveErr)
		logger.Error("registry save failed", "error", saveErr)
	}

	report.Duration = r.now().Sub(report.StartedAt)
	r.setPhase(PhaseIdle)
	logger.Info("tick complete",
		"workers", report.Workers,
		"alive", report.Alive,
		"restarted", report.Restarted,
		"registered", report.Registered,
		"evicted", report.Evicted,
		"reallocated", report.Reallocated,
		"failed", report.Failed)
	return report, saveErr
}

// evict removes entry from reg and drops its supervision config.
func (r *Reconciler) evict(ctx context.Context, logger *log.Logger, reg model.Registry, entry model.WorkerEntry, tickID string) Outcome {
	delete(reg, entry.Path)
	r.deps.Allocator.Release(entry.Port)

	out := Outcome{Worker: entry.Path, Program: entry.Program(), Port: entry.Port, Action: history.ActionEvict}
	logger.Info("evicting worker with missing file", "program", entry.Program(), "path", entry.Path, "port", entry.Port)

	if err := r.deps.Supervisor.Remove(ctx, entry); err != nil {
		logger.Warn("removing supervision config failed", "program", entry.Program(), "error", err)
	}
	r.record(ctx, logger, history.Event{TickID: tickID, Worker: entry.Path, Port: entry.Port, Action: history.ActionEvict})
	return out
}

// deadWorker is a registered worker the oracle did not report alive.
type deadWorker struct {
	entry model.WorkerEntry

	// unknown is set when the probe itself failed. The worker may still be
	// running and holding its port.
	unknown bool
}

// restart relaunches a dead worker on its registered port, or on a new
// port when reallocation applies. Reallocation needs a definite "not
// running" answer: with unknown liveness the process holding the port may
// be the worker itself, and moving it would orphan that process.
func (r *Reconciler) restart(ctx context.Context, logger *log.Logger, reg model.Registry, d deadWorker, tickID string) Outcome {
	entry := d.entry
	out := Outcome{Worker: entry.Path, Program: entry.Program(), Port: entry.Port, Action: history.ActionRestart}

	if r.opts.ReallocateOnConflict && d.unknown {
		logger.Debug("liveness unknown, keeping registered port", "program", entry.Program(), "port", entry.Port)
	}
	if r.opts.ReallocateOnConflict && !d.unknown && r.deps.Allocator.InUse(ctx, entry.Port) {
		newPort, err := r.deps.Allocator.Allocate(ctx, r.opts.RangeStart, r.opts.RangeEnd)
		if err != nil {
			logger.Error("reallocation failed", "program", entry.Program(), "port", entry.Port, "error", err)
			out.Error = err.Error()
			return out
		}
		logger.Warn("registered port taken by another process, reallocating",
			"program", entry.Program(), "old_port", entry.Port, "port", newPort)

		r.deps.Allocator.Release(entry.Port)
		r.deps.Allocator.Reserve(newPort)
		reg[entry.Path] = newPort

		out.OldPort = entry.Port
		out.Port = newPort
		out.Action = history.ActionReallocate
		entry.Port = newPort
	}

	logger.Info("restarting dead worker", "program", entry.Program(), "port", entry.Port)
	if err := r.deps.Supervisor.EnsureSupervised(ctx, entry); err != nil {
		logger.Warn("supervision config failed", "program", entry.Program(), "error", err)
	}

	pid, err := r.deps.Launcher.Launch(ctx, entry.Path, entry.Port)
	if err != nil {
		logger.Error("launch failed", "program", entry.Program(), "port", entry.Port, "error", err)
		out.Error = err.Error()
	}
	out.PID = pid
	r.record(ctx, logger, history.Event{TickID: tickID, Worker: entry.Path, Port: entry.Port, PID: pid, Action: out.Action})
	return out
}

// register assigns a port to a newly discovered worker, launches it and
// adds it to reg. A worker whose launch fails stays registered and is
// retried as a restart on the next tick. A worker for which no port can be
// allocated is left out and rediscovered next tick.
func (r *Reconciler) register(ctx context.Context, logger *log.Logger, reg model.Registry, path string, tickID string) Outcome {
	out := Outcome{Worker: path, Program: model.ProgramName(path), Action: history.ActionRegister}

	port, err := r.deps.Allocator.Allocate(ctx, r.opts.RangeStart, r.opts.RangeEnd)
	if err != nil {
		logger.Error("port allocation failed", "path", path, "error", err)
		out.Error = err.Error()
		return out
	}
	r.deps.Allocator.Reserve(port)
	entry := model.WorkerEntry{Path: path, Port: port}
	out.Port = port

	logger.Info("registering new worker", "program", entry.Program(), "path", path, "port", port)
	pid, err := r.deps.Launcher.Launch(ctx, path, port)
	if err != nil {
		logger.Error("launch failed", "program", entry.Program(), "port", port, "error", err)
		out.Error = err.Error()
	}
	out.PID = pid

	if err := r.deps.Supervisor.EnsureSupervised(ctx, entry); err != nil {
		logger.Warn("supervision config failed", "program", entry.Program(), "error", err)
	}

	reg[path] = port
	r.record(ctx, logger, history.Event{TickID: tickID, Worker: path, Port: port, PID: pid, Action: history.ActionRegister})
	return out
}

func (r *Reconciler) record(ctx context.Context, logger *log.Logger, ev history.Event) {
	if r.deps.Recorder == nil {
		return
	}
	ev.At = r.now()
	if err := r.deps.Recorder.Record(ctx, ev); err != nil {
		logger.Warn("recording history failed", "worker", ev.Worker, "error", err)
	}
}
