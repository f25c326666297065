package reconcile

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/portkeeper/internal/history"
	"github.com/shinji-kodama/portkeeper/internal/model"
	"github.com/shinji-kodama/portkeeper/internal/port"
)

type memStore struct {
	reg     model.Registry
	saves   int
	saveErr error
}

func (s *memStore) Load() model.Registry {
	if s.reg == nil {
		return model.NewRegistry()
	}
	return s.reg.Clone()
}

func (s *memStore) Save(reg model.Registry) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.reg = reg.Clone()
	return nil
}

type staticDiscoverer struct {
	paths []string
	err   error
}

func (d *staticDiscoverer) Scan(context.Context) ([]string, error) {
	return append([]string(nil), d.paths...), d.err
}

// fakeOracle reports alive for signatures in the set.
type fakeOracle struct {
	alive  map[string]bool
	err    error
	probes []string
}

func (o *fakeOracle) IsAlive(_ context.Context, path string, p int) (bool, error) {
	sig := model.Signature(path, p)
	o.probes = append(o.probes, sig)
	if o.err != nil {
		return false, o.err
	}
	return o.alive[sig], nil
}

type launch struct {
	Path string
	Port int
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []launch
	fail     map[string]error
	nextPID  int
}

func (l *fakeLauncher) Launch(_ context.Context, path string, p int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, launch{Path: path, Port: p})
	if err := l.fail[path]; err != nil {
		return 0, err
	}
	l.nextPID++
	return 1000 + l.nextPID, nil
}

type fakeSupervisor struct {
	ensured []model.WorkerEntry
	removed []model.WorkerEntry
	err     error
}

func (s *fakeSupervisor) EnsureSupervised(_ context.Context, e model.WorkerEntry) error {
	s.ensured = append(s.ensured, e)
	return s.err
}

func (s *fakeSupervisor) Remove(_ context.Context, e model.WorkerEntry) error {
	s.removed = append(s.removed, e)
	return s.err
}

type fakeRecorder struct {
	events []history.Event
}

func (r *fakeRecorder) Record(_ context.Context, ev history.Event) error {
	r.events = append(r.events, ev)
	return nil
}

// hostPorts is a ListenerQuerier and Prober over a fixed set of listening
// ports.
type hostPorts map[int]bool

func (h hostPorts) ListeningPorts(context.Context) (map[int]bool, error) {
	return h, nil
}

func (h hostPorts) IsPortAvailable(p int, _ string) bool {
	return !h[p]
}

type harness struct {
	store      *memStore
	discoverer *staticDiscoverer
	oracle     *fakeOracle
	launcher   *fakeLauncher
	supervisor *fakeSupervisor
	recorder   *fakeRecorder
	host       hostPorts
	allocator  *port.Allocator
}

func newHarness() *harness {
	h := &harness{
		store:      &memStore{},
		discoverer: &staticDiscoverer{},
		oracle:     &fakeOracle{alive: map[string]bool{}},
		launcher:   &fakeLauncher{fail: map[string]error{}},
		supervisor: &fakeSupervisor{},
		recorder:   &fakeRecorder{},
		host:       hostPorts{},
	}
	h.allocator = port.NewAllocator(h.host, h.host, port.WithLogger(log.New(io.Discard)))
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Store:      h.store,
		Discoverer: h.discoverer,
		Oracle:     h.oracle,
		Launcher:   h.launcher,
		Supervisor: h.supervisor,
		Allocator:  h.allocator,
		Recorder:   h.recorder,
		Logger:     log.New(io.Discard),
	}
}

func defaultOptions() Options {
	return Options{RangeStart: 5000, RangeEnd: 5010}
}

func (h *harness) reconciler(opts Options) *Reconciler {
	r, err := New(h.deps(), opts)
	if err != nil {
		panic(fmt.Sprintf("reconcile.New: %v", err))
	}
	ids := 0
	r.newID = func() string {
		ids++
		return fmt.Sprintf("tick-%d", ids)
	}
	return r
}
