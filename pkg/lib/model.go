package lib

import (
	"errors"
	"io"
	"io/fs"
	"time"

	"github.com/guestkit/guestkit/internal/model"
)

// BackendType identifies the hypervisor backend implementation.
type BackendType string

const (
	// BackendVMM boots real microVMs through an external monitor binary.
	// Requires KVM access, a kernel image and a rootfs image.
	BackendVMM BackendType = "vmm"

	// BackendLocal runs guests in-process, rooted at a host directory.
	// Use this for testing without virtualization infrastructure.
	BackendLocal BackendType = "local"
)

// Resources defines the compute resources allocated to an instance.
type Resources struct {
	// VCPUs is the number of virtual CPUs.
	VCPUs int
	// MemoryMB is the guest memory in mebibytes.
	MemoryMB int
}

// Mount attaches a host directory into the guest under a unique tag. The
// directory appears at /mnt/<tag> inside the guest.
type Mount struct {
	Tag      string
	HostPath string
	Writable bool
}

// InstanceSpec is the immutable configuration of an instance, set at
// creation time.
type InstanceSpec struct {
	// Resources are the compute resources. Required.
	Resources Resources
	// Mounts are host directories shared into the guest.
	Mounts []Mount
	// User is "uid" or "uid:gid" for guest processes. Empty keeps the
	// image default.
	User string
	// Timeout is the absolute instance lifetime. The instance is closed
	// when the deadline passes. Zero means no deadline.
	Timeout time.Duration
}

// VMMConfig contains vmm backend-specific settings.
type VMMConfig struct {
	// Binary is the monitor binary path. Empty looks it up in PATH.
	Binary string
	// KernelImage is the path to the kernel binary.
	KernelImage string
	// RootFSImage is the path to the root filesystem image.
	RootFSImage string
}

// InstanceStatus represents the lifecycle state of an instance.
type InstanceStatus string

const (
	// InstanceStatusRunning indicates the guest booted and is reachable.
	InstanceStatusRunning InstanceStatus = "running"
	// InstanceStatusTerminated indicates the guest halted, timed out or was
	// closed. Terminated instances never run again.
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// WaitOutcome is the distinguishable result of waiting for an instance.
type WaitOutcome string

const (
	// WaitHalted indicates the guest halted on its own.
	WaitHalted WaitOutcome = "halted"
	// WaitTimeout indicates the instance deadline passed.
	WaitTimeout WaitOutcome = "timeout"
	// WaitCancelled indicates the context was cancelled while waiting. The
	// instance keeps running.
	WaitCancelled WaitOutcome = "cancelled"
)

// Snapshot is a read-only view of an indexed snapshot.
type Snapshot struct {
	// ID is the unique identifier (ULID) assigned at capture.
	ID string
	// CacheKey identifies the snapshot content. Identical trees under
	// identical excludes and parent share a key.
	CacheKey string
	// ParentKey is the cache key of the parent snapshot, empty for roots.
	ParentKey string
	// SizeBytes is the total payload size of the layer.
	SizeBytes int64
	// Entries is the number of paths in the layer.
	Entries int
	// CreatedAt is when the snapshot was captured.
	CreatedAt time.Time
}

// CheckStatus represents the status of a preflight check.
type CheckStatus string

const (
	// CheckStatusOK indicates the check passed.
	CheckStatusOK CheckStatus = "ok"
	// CheckStatusWarning indicates the check passed with a warning.
	CheckStatusWarning CheckStatus = "warning"
	// CheckStatusError indicates the check failed.
	CheckStatusError CheckStatus = "error"
)

// CheckResult represents the result of a single preflight check.
type CheckResult struct {
	ID      string
	Message string
	Status  CheckStatus
}

// ExecOpts are the options for executing a command in an instance.
type ExecOpts struct {
	// Env are KEY=VALUE environment entries for the process.
	Env []string
	// Dir is the working directory inside the guest.
	Dir string
	// Stdin feeds the process standard input. Nil means no input.
	Stdin io.Reader
	// Stdout and Stderr receive the process output streams. When nil the
	// output is captured into the result instead.
	Stdout io.Writer
	Stderr io.Writer
}

// ExecResult is the outcome of a command execution.
type ExecResult struct {
	// ExitCode is the process exit code. -1 when the process was killed.
	ExitCode int
	// Stdout holds captured standard output when no writer was provided.
	Stdout []byte
	// Stderr holds captured standard error when no writer was provided.
	Stderr []byte
}

// Exported error sentinels. Use with errors.Is.
var (
	// ErrNotFound is returned when a resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when an argument or configuration is invalid.
	ErrNotValid = errors.New("not valid")
	// ErrNotRunning is returned when an operation requires a running
	// instance.
	ErrNotRunning = errors.New("instance not running")
	// ErrCancelled is returned when the context was cancelled while a call
	// was in flight.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout is returned when an instance exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// --- Conversion helpers ---

func toInternalSpec(s InstanceSpec) model.InstanceSpec {
	spec := model.InstanceSpec{
		Resources: model.Resources{
			VCPUs:    s.Resources.VCPUs,
			MemoryMB: s.Resources.MemoryMB,
		},
		User:    s.User,
		Timeout: s.Timeout,
	}
	for _, m := range s.Mounts {
		spec.Mounts = append(spec.Mounts, model.Mount{
			Tag:      m.Tag,
			HostPath: m.HostPath,
			Writable: m.Writable,
		})
	}
	return spec
}

func fromInternalSnapshot(r model.SnapshotRecord) Snapshot {
	return Snapshot{
		ID:        r.ID,
		CacheKey:  r.CacheKey,
		ParentKey: r.ParentKey,
		SizeBytes: r.SizeBytes,
		Entries:   r.Entries,
		CreatedAt: r.CreatedAt,
	}
}

func fromInternalSnapshotList(rs []model.SnapshotRecord) []Snapshot {
	result := make([]Snapshot, len(rs))
	for i, r := range rs {
		result[i] = fromInternalSnapshot(r)
	}
	return result
}

func fromInternalCheckResults(results []model.CheckResult) []CheckResult {
	out := make([]CheckResult, len(results))
	for i, r := range results {
		out[i] = CheckResult{
			ID:      r.ID,
			Message: r.Message,
			Status:  CheckStatus(r.Status),
		}
	}
	return out
}

// mapError translates internal sentinel errors to the exported ones while
// preserving the original message and chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return joinErrors(err, ErrNotFound)
	case errors.Is(err, model.ErrAlreadyExists), errors.Is(err, fs.ErrExist):
		return joinErrors(err, ErrAlreadyExists)
	case errors.Is(err, model.ErrNotValid):
		return joinErrors(err, ErrNotValid)
	case errors.Is(err, model.ErrCancelled):
		return joinErrors(err, ErrCancelled)
	case errors.Is(err, model.ErrTimeout):
		return joinErrors(err, ErrTimeout)
	case errors.Is(err, model.ErrNotRunning), errors.Is(err, model.ErrAlreadyClosed):
		return joinErrors(err, ErrNotRunning)
	default:
		return err
	}
}

func joinErrors(original, sentinel error) error {
	return &mappedError{original: original, sentinel: sentinel}
}

type mappedError struct {
	original error
	sentinel error
}

func (e *mappedError) Error() string { return e.original.Error() }

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) Unwrap() error { return e.original }
