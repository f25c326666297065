package port

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

const (
	// DefaultRangeStart and DefaultRangeEnd bound the allocatable range
	// when the configuration does not override it.
	DefaultRangeStart = 5000
	DefaultRangeEnd   = 65535

	// DefaultFallbackPort is handed out when the whole range is exhausted.
	// It goes to at most one registered worker. A foreign process may
	// already hold it: exhaustion degrades startup rather than blocking it.
	DefaultFallbackPort = 8081
)

// ErrPortsExhausted is returned by Allocate when no port in the requested
// range is free and the fallback port cannot be used: in strict mode, or
// when the fallback port is already reserved.
var ErrPortsExhausted = errors.New("no free port in range")

// PortSource contributes additional in-use ports that do not show up as
// listening sockets, e.g. Docker published ports with the userland proxy
// disabled. Sources are best effort: a failing source is logged and skipped.
type PortSource interface {
	Name() string
	UsedPorts(ctx context.Context) ([]int, error)
}

// Allocator picks the lowest free port in a range.
//
// A port is free when it is not listening on the host, not reported by any
// extra PortSource, and not reserved. Reserved ports are the ports of
// already-registered workers: a dead worker does not hold its socket, but
// its port must still never be handed to anybody else.
type Allocator struct {
	prober   Prober
	querier  ListenerQuerier
	sources  []PortSource
	reserved map[int]bool

	fallbackPort int
	strict       bool
	logger       *log.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithFallbackPort sets the port returned when the range is exhausted.
func WithFallbackPort(port int) Option {
	return func(a *Allocator) { a.fallbackPort = port }
}

// WithStrict makes exhaustion an error (ErrPortsExhausted) instead of
// returning the fallback port.
func WithStrict(strict bool) Option {
	return func(a *Allocator) { a.strict = strict }
}

// WithSources adds supplemental in-use port sources.
func WithSources(sources ...PortSource) Option {
	return func(a *Allocator) { a.sources = append(a.sources, sources...) }
}

// WithLogger sets the logger used for degraded-path warnings.
func WithLogger(l *log.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// NewAllocator creates an Allocator. prober is used for bind probing when
// querier fails; querier may be nil, in which case every allocation probes.
func NewAllocator(prober Prober, querier ListenerQuerier, opts ...Option) *Allocator {
	a := &Allocator{
		prober:       prober,
		querier:      querier,
		reserved:     make(map[int]bool),
		fallbackPort: DefaultFallbackPort,
		logger:       log.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetReserved replaces the reserved port set. The reconciliation loop calls
// it with the registry's ports at the start of every tick.
func (a *Allocator) SetReserved(ports map[int]bool) {
	a.reserved = make(map[int]bool, len(ports))
	for p, ok := range ports {
		if ok {
			a.reserved[p] = true
		}
	}
}

// Reserve adds one port to the reserved set, so that a port handed out
// earlier in the same tick is never handed out again.
func (a *Allocator) Reserve(port int) {
	a.reserved[port] = true
}

// Release removes a port from the reserved set (used on eviction and on
// reallocation of a worker's old port).
func (a *Allocator) Release(port int) {
	delete(a.reserved, port)
}

// Allocate returns the lowest free port in [start, end].
//
// Algorithm:
//  1. Collect the excluded set: reserved ports and extra sources.
//  2. Query the host's listening sockets. On success, return the first
//     candidate that is neither listening nor excluded.
//  3. Only if the query failed, probe each non-excluded candidate by
//     binding it; return the first that binds.
//  4. Exhausted: see exhausted.
//
// The returned port is not reserved automatically; callers that keep it
// must call Reserve.
func (a *Allocator) Allocate(ctx context.Context, start, end int) (int, error) {
	if start < 1 || end > 65535 || start > end {
		return 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}

	// Step 1: Ports that must never be handed out, whatever the host says.
	excluded := a.excluded(ctx)

	// Step 2: One socket table read answers the whole range. A successful
	// read that leaves nothing free is final; probing the same range again
	// by bind would cost one syscall per port for the same answer.
	if a.querier != nil {
		listening, err := a.querier.ListeningPorts(ctx)
		if err == nil {
			for p := start; p <= end; p++ {
				if !listening[p] && !excluded[p] {
					return p, nil
				}
			}
			return a.exhausted(start, end)
		}
		a.logger.Warn("listening socket query failed, probing by bind", "error", err)
	}

	// Step 3: No socket table available. Bind each candidate in turn.
	if p, ok := a.probe(start, end, excluded); ok {
		return p, nil
	}

	// Step 4
	return a.exhausted(start, end)
}

// probe returns the first non-excluded port in [start, end] that binds.
func (a *Allocator) probe(start, end int, excluded map[int]bool) (int, bool) {
	for p := start; p <= end; p++ {
		if excluded[p] {
			continue
		}
		if a.prober.IsPortAvailable(p, "tcp") {
			return p, true
		}
	}
	return 0, false
}

// exhausted handles a range with no free port. In strict mode it is an
// error. Otherwise the fallback port is returned, but to one worker only:
// a fallback port that is already reserved would give two workers the
// same port, so that case is an error too and the caller retries later.
func (a *Allocator) exhausted(start, end int) (int, error) {
	if a.strict {
		return 0, fmt.Errorf("%w: %d-%d", ErrPortsExhausted, start, end)
	}
	if a.reserved[a.fallbackPort] {
		return 0, fmt.Errorf("%w: %d-%d, fallback port %d already assigned",
			ErrPortsExhausted, start, end, a.fallbackPort)
	}

	a.logger.Warn("port range exhausted, using fallback port",
		"start", start, "end", end, "fallback", a.fallbackPort)
	return a.fallbackPort, nil
}

// InUse reports whether port is currently held by some process on the
// host. A failing socket query degrades to a bind probe.
func (a *Allocator) InUse(ctx context.Context, port int) bool {
	// Prefer the socket table; it sees listeners bound to a single address
	// that a wildcard bind probe can miss.
	if a.querier != nil {
		listening, err := a.querier.ListeningPorts(ctx)
		if err == nil {
			return listening[port]
		}
	}
	return !a.prober.IsPortAvailable(port, "tcp")
}

// excluded merges the reserved set with every PortSource. A failing source
// only loses its own ports.
func (a *Allocator) excluded(ctx context.Context) map[int]bool {
	excluded := make(map[int]bool, len(a.reserved))
	for p := range a.reserved {
		excluded[p] = true
	}
	for _, src := range a.sources {
		ports, err := src.UsedPorts(ctx)
		if err != nil {
			a.logger.Debug("port source unavailable", "source", src.Name(), "error", err)
			continue
		}
		for _, p := range ports {
			excluded[p] = true
		}
	}
	return excluded
}
