package port

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shinji-kodama/portkeeper/internal/command"
)

// ListenerQuerier returns the set of TCP ports currently in LISTEN state on
// the host. The result is a snapshot; it is never cached between calls.
type ListenerQuerier interface {
	ListeningPorts(ctx context.Context) (map[int]bool, error)
}

// tcpListenState is the hex socket state for LISTEN in /proc/net/tcp.
const tcpListenState = "0A"

// ProcNetQuerier reads the kernel socket tables under Root/net.
// It needs no external programs and no privileges, but is Linux-only.
type ProcNetQuerier struct {
	// Root is the procfs mount point, "/proc" unless testing.
	Root string
}

// NewProcNetQuerier creates a querier for the host's /proc.
func NewProcNetQuerier() *ProcNetQuerier {
	return &ProcNetQuerier{Root: "/proc"}
}

// ListeningPorts implements ListenerQuerier.
//
// net/tcp must exist; net/tcp6 is optional because IPv6 can be disabled.
func (q *ProcNetQuerier) ListeningPorts(ctx context.Context) (map[int]bool, error) {
	ports := make(map[int]bool)

	if err := q.readTable(filepath.Join(q.Root, "net", "tcp"), ports); err != nil {
		return nil, err
	}
	if err := q.readTable(filepath.Join(q.Root, "net", "tcp6"), ports); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return ports, nil
}

// readTable parses one /proc/net/tcp style table. Each data line looks like:
//
//	0: 00000000:1388 00000000:0000 0A 00000000:00000000 00:00000000 ...
//
// where the second field is local_address:port in hex and the fourth is the
// socket state.
func (q *ProcNetQuerier) readTable(path string, ports map[int]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read socket table: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			// Header: "sl local_address rem_address st ..."
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != tcpListenState {
			continue
		}
		idx := strings.LastIndex(fields[1], ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseInt(fields[1][idx+1:], 16, 32)
		if err != nil {
			continue
		}
		ports[int(port)] = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read socket table %s: %w", path, err)
	}
	return nil
}

// LsofQuerier asks lsof for listening TCP sockets. It works on Linux and
// macOS but requires lsof to be installed.
type LsofQuerier struct {
	runner command.Runner
}

// NewLsofQuerier creates a querier that runs lsof through runner.
func NewLsofQuerier(runner command.Runner) *LsofQuerier {
	return &LsofQuerier{runner: runner}
}

// ListeningPorts implements ListenerQuerier.
func (q *LsofQuerier) ListeningPorts(ctx context.Context) (map[int]bool, error) {
	out, err := q.runner.Run(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN")
	if err != nil {
		return nil, fmt.Errorf("query listening sockets: %w", err)
	}
	return parseLsof(out), nil
}

// parseLsof extracts ports from the NAME column of lsof output:
//
//	COMMAND   PID USER   FD   TYPE DEVICE SIZE/OFF NODE NAME
//	python3  1234 root    3u  IPv4  12345      0t0  TCP *:5000 (LISTEN)
//
// The port is whatever follows the last colon of the ninth field, which
// also handles bracketed IPv6 addresses such as [::1]:5000.
func parseLsof(out string) map[int]bool {
	ports := make(map[int]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || fields[0] == "COMMAND" {
			continue
		}
		name := fields[8]
		idx := strings.LastIndex(name, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(name[idx+1:])
		if err != nil {
			continue
		}
		ports[port] = true
	}
	return ports
}

// firstOf tries queriers in order and returns the first successful result.
type firstOf []ListenerQuerier

// FirstOf combines queriers: the first one that succeeds wins. If all fail,
// the joined error is returned so the allocator falls back to bind probing.
func FirstOf(queriers ...ListenerQuerier) ListenerQuerier {
	return firstOf(queriers)
}

func (f firstOf) ListeningPorts(ctx context.Context) (map[int]bool, error) {
	var errs []error
	for _, q := range f {
		ports, err := q.ListeningPorts(ctx)
		if err == nil {
			return ports, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no listener query configured")
	}
	return nil, errors.Join(errs...)
}

// NewHostQuerier returns the default querier chain: procfs first, lsof
// second.
func NewHostQuerier(runner command.Runner) ListenerQuerier {
	return FirstOf(NewProcNetQuerier(), NewLsofQuerier(runner))
}
