package supervision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shinji-kodama/portkeeper/internal/command"
	"github.com/shinji-kodama/portkeeper/internal/fsutil"
	"github.com/shinji-kodama/portkeeper/internal/launcher"
	"github.com/shinji-kodama/portkeeper/internal/model"
)

// SupervisordOptions configures the supervisord backend.
type SupervisordOptions struct {
	// ConfDir is the include directory, usually /etc/supervisor/conf.d.
	ConfDir string

	// LogDir receives <program>.out.log and <program>.err.log.
	LogDir string

	// Interpreter is prepended to the worker command, as for the launcher.
	Interpreter []string

	// Ctl is the supervisorctl binary. Defaults to "supervisorctl".
	Ctl string
}

// Supervisord writes one [program:x] stanza per worker and applies it with
// "supervisorctl reread" followed by "supervisorctl update".
type Supervisord struct {
	opts   SupervisordOptions
	runner command.Runner
}

var _ Supervisor = (*Supervisord)(nil)

// NewSupervisord creates the backend. runner should already carry any
// privilege prefix (see command.Prefixed).
func NewSupervisord(opts SupervisordOptions, runner command.Runner) *Supervisord {
	if opts.Ctl == "" {
		opts.Ctl = "supervisorctl"
	}
	return &Supervisord{opts: opts, runner: runner}
}

// ConfPath returns the stanza file for entry.
func (s *Supervisord) ConfPath(entry model.WorkerEntry) string {
	return filepath.Join(s.opts.ConfDir, entry.Program()+".conf")
}

// Render returns the program stanza for entry.
func (s *Supervisord) Render(entry model.WorkerEntry) string {
	program := entry.Program()
	var b strings.Builder
	fmt.Fprintf(&b, "[program:%s]\n", program)
	fmt.Fprintf(&b, "directory=%s\n", entry.Dir())
	fmt.Fprintf(&b, "command=%s\n", commandLine(launcher.Argv(s.opts.Interpreter, entry)))
	b.WriteString("autostart=true\n")
	b.WriteString("autorestart=true\n")
	fmt.Fprintf(&b, "stderr_logfile=%s\n", filepath.Join(s.opts.LogDir, program+".err.log"))
	fmt.Fprintf(&b, "stdout_logfile=%s\n", filepath.Join(s.opts.LogDir, program+".out.log"))
	return b.String()
}

// EnsureSupervised implements Supervisor.
func (s *Supervisord) EnsureSupervised(ctx context.Context, entry model.WorkerEntry) error {
	if err := fsutil.WriteFileAtomic(s.ConfPath(entry), []byte(s.Render(entry)), 0o644); err != nil {
		return fmt.Errorf("write supervisord stanza for %s: %w", entry.Program(), err)
	}
	return s.apply(ctx)
}

// Remove implements Supervisor. A stanza that is already gone is not an
// error.
func (s *Supervisord) Remove(ctx context.Context, entry model.WorkerEntry) error {
	if err := os.Remove(s.ConfPath(entry)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove supervisord stanza for %s: %w", entry.Program(), err)
	}
	return s.apply(ctx)
}

func (s *Supervisord) apply(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, s.opts.Ctl, "reread"); err != nil {
		return fmt.Errorf("supervisord reread: %w", err)
	}
	if _, err := s.runner.Run(ctx, s.opts.Ctl, "update"); err != nil {
		return fmt.Errorf("supervisord update: %w", err)
	}
	return nil
}
