package supervision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/shinji-kodama/portkeeper/internal/fsutil"
	"github.com/shinji-kodama/portkeeper/internal/launcher"
	"github.com/shinji-kodama/portkeeper/internal/model"
)

// DefaultUnitPrefix namespaces the service units portkeeper owns.
const DefaultUnitPrefix = "portkeeper-"

// UnitManager is the subset of the systemd D-Bus API the backend needs.
type UnitManager interface {
	Reload(ctx context.Context) error
	EnableUnits(ctx context.Context, files []string) error
	DisableUnits(ctx context.Context, names []string) error
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	Close() error
}

// SystemdOptions configures the systemd backend.
type SystemdOptions struct {
	// UnitDir receives the unit files, usually /etc/systemd/system or
	// ~/.config/systemd/user.
	UnitDir string

	// LogDir receives <program>.out.log and <program>.err.log.
	LogDir string

	Interpreter []string

	// UnitPrefix defaults to DefaultUnitPrefix.
	UnitPrefix string

	// User selects the per-user systemd instance instead of the system one.
	User bool
}

// Systemd writes one service unit per worker and starts it over D-Bus.
type Systemd struct {
	opts    SystemdOptions
	connect func(ctx context.Context) (UnitManager, error)
}

var _ Supervisor = (*Systemd)(nil)

// NewSystemd creates the backend. A D-Bus connection is opened for each
// operation and closed afterwards, so a restarted systemd does not leave a
// stale connection behind.
func NewSystemd(opts SystemdOptions) *Systemd {
	if opts.UnitPrefix == "" {
		opts.UnitPrefix = DefaultUnitPrefix
	}
	user := opts.User
	return &Systemd{
		opts:    opts,
		connect: func(ctx context.Context) (UnitManager, error) { return ConnectDBus(ctx, user) },
	}
}

// UnitName returns the service name for entry.
func (s *Systemd) UnitName(entry model.WorkerEntry) string {
	return s.opts.UnitPrefix + entry.Program() + ".service"
}

// UnitPath returns the unit file path for entry.
func (s *Systemd) UnitPath(entry model.WorkerEntry) string {
	return filepath.Join(s.opts.UnitDir, s.UnitName(entry))
}

// Render serializes the service unit for entry.
func (s *Systemd) Render(entry model.WorkerEntry) ([]byte, error) {
	program := entry.Program()
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "portkeeper worker "+program),
		unit.NewUnitOption("Unit", "After", "network.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "WorkingDirectory", entry.Dir()),
		unit.NewUnitOption("Service", "ExecStart", commandLine(launcher.Argv(s.opts.Interpreter, entry))),
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "RestartSec", "5"),
		unit.NewUnitOption("Service", "StandardOutput", "append:"+filepath.Join(s.opts.LogDir, program+".out.log")),
		unit.NewUnitOption("Service", "StandardError", "append:"+filepath.Join(s.opts.LogDir, program+".err.log")),
		unit.NewUnitOption("Install", "WantedBy", s.wantedBy()),
	}
	return io.ReadAll(unit.Serialize(opts))
}

func (s *Systemd) wantedBy() string {
	if s.opts.User {
		return "default.target"
	}
	return "multi-user.target"
}

// EnsureSupervised implements Supervisor.
//
// The unit file is rewritten and systemd reloaded only when the content
// changed; the unit is started every time, which is a no-op when it is
// already active.
func (s *Systemd) EnsureSupervised(ctx context.Context, entry model.WorkerEntry) error {
	data, err := s.Render(entry)
	if err != nil {
		return fmt.Errorf("render unit for %s: %w", entry.Program(), err)
	}

	path := s.UnitPath(entry)
	existing, err := os.ReadFile(path)
	changed := err != nil || !bytes.Equal(existing, data)
	if changed {
		if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
			return fmt.Errorf("write unit for %s: %w", entry.Program(), err)
		}
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if changed {
		if err := conn.Reload(ctx); err != nil {
			return fmt.Errorf("systemd daemon-reload: %w", err)
		}
		if err := conn.EnableUnits(ctx, []string{path}); err != nil {
			return err
		}
	}
	return conn.StartUnit(ctx, s.UnitName(entry))
}

// Remove implements Supervisor: stop, disable, delete, reload.
func (s *Systemd) Remove(ctx context.Context, entry model.WorkerEntry) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	name := s.UnitName(entry)
	// The unit may already be stopped or unknown; removal continues.
	stopErr := conn.StopUnit(ctx, name)
	disableErr := conn.DisableUnits(ctx, []string{name})

	if err := os.Remove(s.UnitPath(entry)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove unit for %s: %w", entry.Program(), err)
	}
	if err := conn.Reload(ctx); err != nil {
		return fmt.Errorf("systemd daemon-reload: %w", err)
	}
	if stopErr != nil && disableErr != nil {
		return errors.Join(stopErr, disableErr)
	}
	return nil
}
