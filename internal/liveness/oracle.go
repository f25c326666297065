package liveness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/shinji-kodama/portkeeper/internal/command"
	"github.com/shinji-kodama/portkeeper/internal/history"
	"github.com/shinji-kodama/portkeeper/internal/model"
)

// Oracle answers whether the worker at path is running on port.
type Oracle interface {
	IsAlive(ctx context.Context, path string, port int) (bool, error)
}

// ProcessTable matches the worker signature against the full command line
// of every process on the host.
type ProcessTable struct {
	runner   command.Runner
	procRoot string
}

var _ Oracle = (*ProcessTable)(nil)

// NewProcessTable creates a ProcessTable that runs ps through runner and
// falls back to reading /proc when ps is unavailable.
func NewProcessTable(runner command.Runner) *ProcessTable {
	return &ProcessTable{runner: runner, procRoot: "/proc"}
}

// IsAlive implements Oracle.
//
// The match is a plain substring test, so "/root/bin/a.worker --port 5001"
// also matches inside "/usr/bin/python3 /root/bin/a.worker --port 5001".
func (p *ProcessTable) IsAlive(ctx context.Context, path string, port int) (bool, error) {
	lines, err := p.CommandLines(ctx)
	if err != nil {
		return false, err
	}
	return matches(lines, model.Signature(path, port)), nil
}

// CommandLines returns the command line of every process.
func (p *ProcessTable) CommandLines(ctx context.Context) ([]string, error) {
	out, psErr := p.runner.Run(ctx, "ps", "-eww", "-o", "args=")
	if psErr == nil {
		return strings.Split(strings.TrimRight(out, "\n"), "\n"), nil
	}

	lines, procErr := readProcCmdlines(p.procRoot)
	if procErr != nil {
		return nil, fmt.Errorf("list processes: %w", errors.Join(psErr, procErr))
	}
	return lines, nil
}

// matches reports whether any line contains sig followed by the end of the
// line or whitespace. The boundary check keeps port 500 from matching a
// worker started with --port 5001.
func matches(lines []string, sig string) bool {
	for _, line := range lines {
		rest := line
		for {
			idx := strings.Index(rest, sig)
			if idx < 0 {
				break
			}
			after := rest[idx+len(sig):]
			if after == "" || after[0] == ' ' || after[0] == '\t' {
				return true
			}
			rest = after
		}
	}
	return false
}

// readProcCmdlines reads root/<pid>/cmdline for every numeric entry.
// Arguments are NUL separated; they are joined with spaces to match ps.
func readProcCmdlines(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var lines []string
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		line, err := readCmdline(root, e.Name())
		if err != nil || line == "" {
			// Process exited between ReadDir and ReadFile, or is a kernel thread.
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func readCmdline(root, pid string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, pid, "cmdline"))
	if err != nil {
		return "", err
	}
	data = bytes.TrimRight(data, "\x00")
	return string(bytes.ReplaceAll(data, []byte{0}, []byte{' '})), nil
}

// ProcessLookup returns the last recorded launch for a worker.
// *history.Store satisfies it.
type ProcessLookup interface {
	Process(ctx context.Context, worker string) (history.Process, error)
}

// PIDTracker checks the PID recorded when the worker was last launched.
type PIDTracker struct {
	lookup   ProcessLookup
	procRoot string
	signal   func(pid int) error
}

var _ Oracle = (*PIDTracker)(nil)

// NewPIDTracker creates a PIDTracker backed by lookup.
func NewPIDTracker(lookup ProcessLookup) *PIDTracker {
	return &PIDTracker{
		lookup:   lookup,
		procRoot: "/proc",
		signal:   func(pid int) error { return unix.Kill(pid, 0) },
	}
}

// IsAlive implements Oracle.
//
// A worker with no recorded launch, or recorded on a different port, is
// dead. EPERM from kill(pid, 0) means the process exists under another
// user, which still counts as alive pending the cmdline check.
func (t *PIDTracker) IsAlive(ctx context.Context, path string, port int) (bool, error) {
	proc, err := t.lookup.Process(ctx, path)
	if err != nil {
		if errors.Is(err, history.ErrNoProcess) {
			return false, nil
		}
		return false, err
	}
	if proc.Port != port || proc.PID <= 0 {
		return false, nil
	}

	if err := t.signal(proc.PID); err != nil && !errors.Is(err, unix.EPERM) {
		return false, nil
	}

	line, err := readCmdline(t.procRoot, strconv.Itoa(proc.PID))
	if err != nil {
		// Exited after the signal check.
		return false, nil
	}
	return matches([]string{line}, model.Signature(path, port)), nil
}
