// Package command runs short-lived host commands (ps, lsof, supervisorctl)
// and captures their output.
//
// Every external program the supervisor consults goes through the Runner
// interface so that tests can substitute a Fake and assert on the exact
// invocations without touching the host.
package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds every command when the caller's context carries no
// deadline. A hung supervisorctl must not stall a reconciliation tick.
const DefaultTimeout = 30 * time.Second

// Runner executes a program and returns its standard output.
type Runner interface {
	// Run executes name with args. On a non-zero exit status the returned
	// error includes the program's trimmed stderr.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner is the default Runner backed by os/exec.
type ExecRunner struct {
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// NewExecRunner creates an ExecRunner with the default timeout.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: DefaultTimeout}
}

// Run implements Runner.
//
// stdout and stderr are captured separately: stdout is the result, stderr
// only feeds the error message.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// #nosec G204 -- name and args come from configuration, not from workers.
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("%s %s failed", name, strings.Join(args, " "))
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", message, ctx.Err())
		}
		if stderrStr := strings.TrimSpace(stderr.String()); stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", fmt.Errorf("%s: %w", message, err)
	}

	return stdout.String(), nil
}

// Prefixed wraps a Runner so that every command is executed through a fixed
// prefix, e.g. ["sudo"] or ["sudo", "-n"]. An empty prefix returns r as is.
func Prefixed(r Runner, prefix []string) Runner {
	if len(prefix) == 0 {
		return r
	}
	return &prefixedRunner{inner: r, prefix: append([]string(nil), prefix...)}
}

type prefixedRunner struct {
	inner  Runner
	prefix []string
}

func (p *prefixedRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	full := make([]string, 0, len(p.prefix)+len(args))
	full = append(full, p.prefix[1:]...)
	full = append(full, name)
	full = append(full, args...)
	return p.inner.Run(ctx, p.prefix[0], full...)
}
