// Package launcher starts worker processes detached from the supervisor.
//
// A launch is fire-and-forget: the child runs in its own session with its
// output appended to a per-worker log file, and the supervisor only learns
// whether it stayed up from the next liveness probe.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/portkeeper/internal/fsutil"
	"github.com/shinji-kodama/portkeeper/internal/model"
)

// Options configures a Launcher.
type Options struct {
	// Interpreter is prepended to the worker's argv, e.g.
	// ["/usr/bin/python3"]. Empty runs the worker path directly.
	Interpreter []string

	// LogDir receives <program>.log for each worker. Empty discards output.
	LogDir string

	// PortFileDir, when set, receives <program>_port.txt containing the
	// assigned port, for workers that read their port from a file.
	PortFileDir string

	// Env is appended to the supervisor's environment for every worker.
	Env []string
}

// Launcher starts workers.
type Launcher struct {
	opts   Options
	logger *log.Logger
}

// New creates a Launcher.
func New(opts Options, logger *log.Logger) *Launcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Launcher{opts: opts, logger: logger}
}

// Argv returns the full command line used to start the worker.
func Argv(interpreter []string, entry model.WorkerEntry) []string {
	argv := make([]string, 0, len(interpreter)+3)
	argv = append(argv, interpreter...)
	return append(argv, entry.Args()...)
}

// LogPath returns where the worker's combined output is written, or "" if
// output is discarded.
func (l *Launcher) LogPath(entry model.WorkerEntry) string {
	if l.opts.LogDir == "" {
		return ""
	}
	return filepath.Join(l.opts.LogDir, entry.Program()+".log")
}

// PortFilePath returns the worker's port file path, or "" when port files
// are disabled.
func (l *Launcher) PortFilePath(entry model.WorkerEntry) string {
	if l.opts.PortFileDir == "" {
		return ""
	}
	return filepath.Join(l.opts.PortFileDir, entry.Program()+"_port.txt")
}

// Launch starts the worker at path on port and returns its PID.
//
// The child gets its own session (setsid) so that signals sent to the
// supervisor's process group do not reach it, and its working directory is
// the worker's own directory. ctx only bounds the setup; the child is never
// killed when ctx ends.
func (l *Launcher) Launch(ctx context.Context, path string, port int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entry := model.WorkerEntry{Path: path, Port: port}

	// Step 1: Workers that read their port from a file need it in place
	// before they start.
	if pf := l.PortFilePath(entry); pf != "" {
		if err := fsutil.WriteFileAtomic(pf, []byte(strconv.Itoa(port)), 0o644); err != nil {
			return 0, fmt.Errorf("write port file for %s: %w", entry.Program(), err)
		}
	}

	// Step 2: Build the command. The argv ends in "<path> --port <N>",
	// which is exactly the signature the liveness probe searches for.
	argv := Argv(l.opts.Interpreter, entry)
	// #nosec G204 -- argv is built from the registry and configuration.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = entry.Dir()
	cmd.Env = append(os.Environ(), l.opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Step 3: Append output to the worker's log so restarts keep history.
	var logFile *os.File
	if lp := l.LogPath(entry); lp != "" {
		if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
			return 0, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(lp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	// Step 4: Start without waiting.
	err := cmd.Start()
	if logFile != nil {
		// The child holds its own descriptor.
		_ = logFile.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", entry.Program(), err)
	}

	pid := cmd.Process.Pid
	l.logger.Debug("worker started", "program", entry.Program(), "pid", pid, "port", port)

	// Reap the child when it exits so it does not linger as a zombie for
	// the lifetime of the supervisor.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}
