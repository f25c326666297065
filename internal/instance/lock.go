// Package instance keeps two supervisors from reconciling the same
// registry at once.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is created inside the state directory.
const LockFileName = "portkeeper.lock"

// ErrAlreadyRunning is returned by Acquire when another process holds the
// lock.
var ErrAlreadyRunning = errors.New("another portkeeper instance is running")

// Lock is a held advisory lock. The kernel drops it if the process dies.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the exclusive lock in stateDir without blocking.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	fl := flock.New(filepath.Join(stateDir, LockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, fl.Path())
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release unlocks. The lock file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
