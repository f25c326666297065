// Package supervision hands long-term restart duty for each worker to an
// external supervision daemon.
//
// portkeeper only bootstraps and reconciles the daemon's configuration:
// one program stanza (supervisord) or one service unit (systemd) per
// worker, re-issued whenever the worker is launched or relaunched.
package supervision

import (
	"context"
	"fmt"
	"strings"

	"github.com/shinji-kodama/portkeeper/internal/model"
)

// Supervisor registers workers with a supervision daemon.
type Supervisor interface {
	// EnsureSupervised writes (or rewrites) the worker's configuration and
	// tells the daemon to pick it up.
	EnsureSupervised(ctx context.Context, entry model.WorkerEntry) error

	// Remove deletes the worker's configuration and tells the daemon to
	// drop it.
	Remove(ctx context.Context, entry model.WorkerEntry) error
}

// Backend names a Supervisor implementation in configuration.
type Backend string

const (
	BackendSupervisord Backend = "supervisord"
	BackendSystemd     Backend = "systemd"
	BackendNone        Backend = "none"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(s)); b {
	case BackendSupervisord, BackendSystemd, BackendNone:
		return b, nil
	default:
		return "", fmt.Errorf("unknown supervision backend %q (valid: supervisord, systemd, none)", s)
	}
}

// Noop is the "none" backend.
type Noop struct{}

// EnsureSupervised implements Supervisor.
func (Noop) EnsureSupervised(context.Context, model.WorkerEntry) error { return nil }

// Remove implements Supervisor.
func (Noop) Remove(context.Context, model.WorkerEntry) error { return nil }

// commandLine joins argv for daemons that split it shell-style (both
// supervisord and systemd do). Arguments containing whitespace or quotes
// are double-quoted.
func commandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'\\") {
			a = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(a) + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
