package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeHandler simulates one program. It receives the arguments and returns
// the stdout the real program would have produced.
type FakeHandler func(ctx context.Context, args []string) (string, error)

// Fake is a Runner for tests. Programs are registered by name; every call
// is recorded so tests can assert on the exact command lines issued.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]FakeHandler
	calls    []string
}

// NewFake creates an empty Fake. Calls to unregistered programs fail with
// an "executable file not found" style error.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]FakeHandler)}
}

// Handle registers handler for program name.
func (f *Fake) Handle(name string, handler FakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = handler
}

// Output registers a handler for name that always returns out.
func (f *Fake) Output(name, out string) {
	f.Handle(name, func(context.Context, []string) (string, error) { return out, nil })
}

// Fail registers a handler for name that always returns err.
func (f *Fake) Fail(name string, err error) {
	f.Handle(name, func(context.Context, []string) (string, error) { return "", err })
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	handler, ok := f.handlers[name]
	f.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return handler(ctx, args)
}

// Calls returns every command line run so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
