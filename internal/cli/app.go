package cli

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/portkeeper/internal/command"
	"github.com/shinji-kodama/portkeeper/internal/config"
	"github.com/shinji-kodama/portkeeper/internal/discovery"
	"github.com/shinji-kodama/portkeeper/internal/docker"
	"github.com/shinji-kodama/portkeeper/internal/history"
	"github.com/shinji-kodama/portkeeper/internal/instance"
	"github.com/shinji-kodama/portkeeper/internal/launcher"
	"github.com/shinji-kodama/portkeeper/internal/liveness"
	"github.com/shinji-kodama/portkeeper/internal/logging"
	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/port"
	"github.com/shinji-kodama/portkeeper/internal/reconcile"
	"github.com/shinji-kodama/portkeeper/internal/registry"
	"github.com/shinji-kodama/portkeeper/internal/supervision"
)

// app holds the effective configuration and the resources opened from it.
// Every subcommand builds one, uses the pieces it needs, and closes it.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	runner  command.Runner
	closers []io.Closer
}

// newApp loads the configuration, applies flag overrides and builds the
// logger. Configuration problems are reported with ExitConfigInvalid.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "invalid configuration", err)
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "invalid configuration", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:  level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "failed to set up logging", err)
	}
	log.SetDefault(logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		runner:  command.NewExecRunner(),
		closers: []io.Closer{logCloser},
	}, nil
}

// applyOverrides copies explicitly set global flags over the loaded file.
func applyOverrides(cfg *config.Config) {
	if registryPath != "" {
		cfg.Registry.Path = registryPath
	}
	if discoveryDir != "" {
		cfg.Discovery.Dir = discoveryDir
	}
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// lock takes the single-instance lock unless it is disabled. A nil lock is
// returned when no lock was taken; Release is safe on it.
func (a *app) lock(skip bool) (*instance.Lock, error) {
	if skip || !a.cfg.Lock.Enabled {
		return nil, nil
	}
	lock, err := instance.Acquire(a.cfg.Lock.StateDir)
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			return nil, model.WrapCLIError(model.ExitAlreadyRunning, "another portkeeper instance is running", err)
		}
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to take instance lock", err)
	}
	VerboseLog("Holding instance lock %s", lock.Path())
	return lock, nil
}

func (a *app) store() *registry.Store {
	return registry.NewStore(a.cfg.Registry.Path, a.logger)
}

// history opens the history database. It returns nil without error when
// history is disabled.
func (a *app) history() (*history.Store, error) {
	if a.cfg.History.Path == "" {
		return nil, nil
	}
	h, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, h)
	return h, nil
}

// allocator builds the port allocator. The Docker source is added only when
// enabled and a daemon socket can be found.
func (a *app) allocator(ctx context.Context) *port.Allocator {
	opts := []port.Option{
		port.WithFallbackPort(a.cfg.Ports.Fallback),
		port.WithStrict(a.cfg.Ports.Strict),
		port.WithLogger(a.logger.With("component", "allocator")),
	}

	if a.cfg.Ports.Docker {
		client, err := docker.NewClient()
		if err != nil {
			a.logger.Warn("docker port source disabled", "error", err)
		} else {
			a.closers = append(a.closers, client)
			if err := client.Ping(ctx); err != nil {
				a.logger.Warn("docker daemon not reachable", "error", err)
			}
			opts = append(opts, port.WithSources(docker.NewPortSource(client)))
		}
	}

	return port.NewAllocator(port.NewScanner(), port.NewHostQuerier(a.runner), opts...)
}

// oracle returns the configured liveness oracle. hist must be non-nil for
// the pid oracle; config validation guarantees a history path then.
func (a *app) oracle(hist *history.Store) (liveness.Oracle, error) {
	if a.cfg.Loop.Oracle == "pid" {
		if hist == nil {
			return nil, errors.New("pid liveness oracle needs the history database")
		}
		return liveness.NewPIDTracker(hist), nil
	}
	return liveness.NewProcessTable(a.runner), nil
}

func (a *app) supervisor() (supervision.Supervisor, error) {
	backend, err := supervision.ParseBackend(a.cfg.Supervision.Backend)
	if err != nil {
		return nil, err
	}
	sc := a.cfg.Supervision
	switch backend {
	case supervision.BackendSupervisord:
		return supervision.NewSupervisord(supervision.SupervisordOptions{
			ConfDir:     sc.ConfDir,
			LogDir:      sc.LogDir,
			Interpreter: a.cfg.Launcher.Interpreter,
			Ctl:         sc.Ctl,
		}, command.Prefixed(a.runner, sc.CommandPrefix)), nil
	case supervision.BackendSystemd:
		return supervision.NewSystemd(supervision.SystemdOptions{
			UnitDir:     sc.UnitDir,
			LogDir:      sc.LogDir,
			Interpreter: a.cfg.Launcher.Interpreter,
			User:        sc.User,
		}), nil
	default:
		return supervision.Noop{}, nil
	}
}

func (a *app) discoverer() (*discovery.Scanner, error) {
	d := a.cfg.Discovery
	return discovery.New(d.Dir, d.Pattern, d.Recursive, a.logger.With("component", "discovery"))
}

// reconciler wires every component into a Reconciler. watch enables the
// filesystem wake-up when the configuration asks for it.
func (a *app) reconciler(ctx context.Context, watch bool) (*reconcile.Reconciler, error) {
	hist, err := a.history()
	if err != nil {
		return nil, err
	}
	oracle, err := a.oracle(hist)
	if err != nil {
		return nil, err
	}
	sup, err := a.supervisor()
	if err != nil {
		return nil, err
	}
	scanner, err := a.discoverer()
	if err != nil {
		return nil, err
	}

	lc := a.cfg.Launcher
	deps := reconcile.Deps{
		Store:      a.store(),
		Discoverer: scanner,
		Oracle:     oracle,
		Launcher: launcher.New(launcher.Options{
			Interpreter: lc.Interpreter,
			LogDir:      lc.LogDir,
			PortFileDir: lc.PortFileDir,
			Env:         lc.Env,
		}, a.logger.With("component", "launcher")),
		Supervisor: sup,
		Allocator:  a.allocator(ctx),
		Logger:     a.logger,
	}
	// A nil *history.Store in the interface would not compare equal to nil.
	if hist != nil {
		deps.Recorder = hist
	}

	lp := a.cfg.Loop
	opts := reconcile.Options{
		RangeStart:           a.cfg.Ports.RangeStart,
		RangeEnd:             a.cfg.Ports.RangeEnd,
		MinInterval:          lp.MinInterval.Std(),
		MaxInterval:          lp.MaxInterval.Std(),
		EvictMissing:         lp.EvictMissing,
		ReallocateOnConflict: lp.ReallocateOnConflict,
		Exists:               discovery.Exists,
	}

	if watch && a.cfg.Discovery.Watch {
		wake, err := scanner.Watch(ctx)
		if err != nil {
			a.logger.Warn("discovery watch unavailable, relying on the polling interval", "error", err)
		} else {
			opts.Wake = wake
		}
	}

	return reconcile.New(deps, opts)
}

// statusOf derives the live status of a registered worker.
func statusOf(ctx context.Context, oracle liveness.Oracle, entry model.WorkerEntry) model.WorkerStatus {
	if !discovery.Exists(entry.Path) {
		return model.StatusMissing
	}
	alive, err := oracle.IsAlive(ctx, entry.Path, entry.Port)
	if err != nil || !alive {
		return model.StatusDead
	}
	return model.StatusRunning
}
