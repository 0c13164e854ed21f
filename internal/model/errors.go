package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when an argument or configuration is not valid.
	ErrNotValid = errors.New("not valid")
	// ErrInvalidHandle is returned when a handle does not reference a live
	// object (stale generation, already removed, or never issued).
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrNotRunning is returned when an operation requires a running instance.
	ErrNotRunning = errors.New("instance not running")
	// ErrAlreadyClosed is returned when an object is used after Close.
	ErrAlreadyClosed = errors.New("already closed")
	// ErrTimeout is returned when an instance exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrHypervisorUnavailable is returned when no hypervisor backing can be
	// obtained on this host.
	ErrHypervisorUnavailable = errors.New("hypervisor unavailable")
	// ErrNetwork is returned for failures reaching external services
	// (registry, DNS). Guest-bound connectivity failures are IO errors, not
	// network errors: the guest network is local to the sandbox.
	ErrNetwork = errors.New("network error")
	// ErrCancelled is returned when a cancellation token fires while a call
	// is in flight.
	ErrCancelled = errors.New("cancelled")
	// ErrProtocolVersion is returned when the guest speaks an incompatible
	// protocol version. There is no degraded-compatibility mode.
	ErrProtocolVersion = errors.New("incompatible guest protocol version")
)

// IOError is a guest-local filesystem or process failure. It carries the
// failing operation name and, when available, the target path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps err with the failing operation and path. Errors that
// already carry an IOError are returned unchanged so the innermost
// operation wins.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}
