package model

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// MinPort and MaxPort bound every port a worker may be assigned.
	// Ports below 1024 are privileged and never handed out.
	MinPort = 1024
	MaxPort = 65535

	// PortFlag is the single argument every managed worker must accept.
	// It is the whole contract between the supervisor and its workers.
	PortFlag = "--port"
)

// WorkerStatus represents the observed state of a registered worker.
//
// Status is derived state: it is computed on demand from the host process
// table and the filesystem, never persisted.
type WorkerStatus string

const (
	// StatusRunning indicates a process with the worker's invocation
	// signature is present in the process table.
	StatusRunning WorkerStatus = "running"

	// StatusDead indicates the worker is registered but no matching process
	// was found. The next reconciliation tick will relaunch it.
	StatusDead WorkerStatus = "dead"

	// StatusMissing indicates the worker's source file no longer exists.
	// Such entries are only removed when the evict-missing policy is on.
	StatusMissing WorkerStatus = "missing"
)

// String returns the string representation of WorkerStatus.
func (s WorkerStatus) String() string {
	return string(s)
}

// IsValid checks whether the WorkerStatus value is one of the
// predefined valid states.
func (s WorkerStatus) IsValid() bool {
	switch s {
	case StatusRunning, StatusDead, StatusMissing:
		return true
	default:
		return false
	}
}

// ParseWorkerStatus converts a string to a WorkerStatus.
// Returns an error if the string does not match any valid status.
func ParseWorkerStatus(s string) (WorkerStatus, error) {
	status := WorkerStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid worker status: %q (valid: running, dead, missing)", s)
	}
	return status, nil
}

// WorkerEntry is one managed worker: the filesystem path of its executable
// unit and the TCP port it was assigned.
type WorkerEntry struct {
	// Path is the unique identity of the worker and the registry key.
	Path string `json:"path" yaml:"path"`

	// Port is the TCP port the worker is launched with via --port.
	Port int `json:"port" yaml:"port"`
}

// Program returns the worker's program name: the base name of its path
// with everything from the first dot removed ("bot.v2.py" → "bot").
// Log files, port files and supervision stanzas are all named after it.
func (e WorkerEntry) Program() string {
	return ProgramName(e.Path)
}

// Dir returns the directory containing the worker, used as its working
// directory when launched.
func (e WorkerEntry) Dir() string {
	return filepath.Dir(e.Path)
}

// Signature returns the command-line substring that identifies a running
// instance of this worker: "<path> --port <port>".
func (e WorkerEntry) Signature() string {
	return Signature(e.Path, e.Port)
}

// Args returns the worker's own arguments, without any interpreter prefix.
func (e WorkerEntry) Args() []string {
	return []string{e.Path, PortFlag, strconv.Itoa(e.Port)}
}

// String returns a human-readable representation of the entry.
// Format: "program (path) → port"
func (e WorkerEntry) String() string {
	return fmt.Sprintf("%s (%s) → %d", e.Program(), e.Path, e.Port)
}

// ProgramName derives a program name from a worker path. The first dot
// splits the name, so multi-suffix files lose every suffix.
func ProgramName(path string) string {
	base := filepath.Base(path)
	if name, _, found := strings.Cut(base, "."); found && name != "" {
		return name
	}
	return base
}

// Signature builds the invocation substring searched for in process
// command lines when probing liveness.
func Signature(path string, port int) string {
	return fmt.Sprintf("%s %s %d", path, PortFlag, port)
}

// ValidatePort checks that port lies within [MinPort, MaxPort].
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (%d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// Registry maps worker path to assigned port.
//
// Invariant: every port value is unique. Validate enforces it; every
// mutation in the reconciliation loop goes through the allocator, which
// reserves all registered ports before choosing a new one.
type Registry map[string]int

// NewRegistry returns an empty registry.
func NewRegistry() Registry {
	return make(Registry)
}

// Clone returns an independent copy of the registry.
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for path, port := range r {
		out[path] = port
	}
	return out
}

// Has reports whether path is registered.
func (r Registry) Has(path string) bool {
	_, ok := r[path]
	return ok
}

// Ports returns the set of ports currently assigned.
func (r Registry) Ports() map[int]bool {
	ports := make(map[int]bool, len(r))
	for _, port := range r {
		ports[port] = true
	}
	return ports
}

// Entries returns the registry contents sorted by path, so that every
// tick processes workers in a stable order.
func (r Registry) Entries() []WorkerEntry {
	entries := make([]WorkerEntry, 0, len(r))
	for path, port := range r {
		entries = append(entries, WorkerEntry{Path: path, Port: port})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// Validate checks every entry's port range and the uniqueness invariant.
func (r Registry) Validate() error {
	seen := make(map[int]string, len(r))
	for _, e := range r.Entries() {
		if e.Path == "" {
			return fmt.Errorf("registry: empty worker path")
		}
		if err := ValidatePort(e.Port); err != nil {
			return fmt.Errorf("registry: worker %q: %w", e.Path, err)
		}
		if owner, exists := seen[e.Port]; exists {
			return fmt.Errorf("registry: port %d is assigned to both %q and %q", e.Port, owner, e.Path)
		}
		seen[e.Port] = e.Path
	}
	return nil
}

// ExitCode defines the process exit codes of the portkeeper CLI.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully, including a
	// reconciliation loop stopped by SIGINT or SIGTERM.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigInvalid indicates the configuration file could not be
	// read or failed validation.
	ExitConfigInvalid ExitCode = 2

	// ExitAlreadyRunning indicates another supervisor instance holds the
	// instance lock.
	ExitAlreadyRunning ExitCode = 3

	// ExitPortAllocationFailed indicates no port could be allocated while
	// strict allocation is enabled.
	ExitPortAllocationFailed ExitCode = 4

	// ExitLoopFailure indicates the reconciliation loop hit an unexpected
	// failure and can no longer be trusted to hold its invariants.
	ExitLoopFailure ExitCode = 10
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
