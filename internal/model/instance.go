package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InstanceStatus represents the lifecycle state of an instance.
type InstanceStatus string

const (
	// InstanceStatusRunning indicates the guest booted and the transport is up.
	InstanceStatusRunning InstanceStatus = "running"
	// InstanceStatusTerminated indicates the guest halted, crashed, timed out
	// or was closed. Terminated instances never run again.
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// Resources defines the compute resources for an instance.
type Resources struct {
	VCPUs    int
	MemoryMB int
}

// Mount attaches a host directory into the guest under a unique tag.
type Mount struct {
	Tag      string
	HostPath string
	Writable bool
}

// InstanceSpec is the static configuration for creating an instance.
// These settings are immutable after creation.
type InstanceSpec struct {
	Resources Resources
	Mounts    []Mount
	// User is "uid" or "uid:gid". Empty runs as the image's configured user.
	User string
	// Timeout is the absolute lifetime of the instance. The instance is
	// closed when the deadline passes, independent of per-call cancellation.
	// Zero means no deadline.
	Timeout time.Duration
}

// Validate validates the instance configuration.
func (s *InstanceSpec) Validate() error {
	if s.Resources.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be positive: %w", ErrNotValid)
	}
	if s.Resources.MemoryMB <= 0 {
		return fmt.Errorf("memory_mb must be positive: %w", ErrNotValid)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative: %w", ErrNotValid)
	}

	seen := map[string]bool{}
	for _, m := range s.Mounts {
		if m.Tag == "" {
			return fmt.Errorf("mount tag is required: %w", ErrNotValid)
		}
		if seen[m.Tag] {
			return fmt.Errorf("mount tag %q used twice: %w", m.Tag, ErrNotValid)
		}
		seen[m.Tag] = true
	}

	if s.User != "" {
		if _, _, err := ParseUser(s.User); err != nil {
			return err
		}
	}

	return nil
}

// ParseUser parses a "uid" or "uid:gid" user string. When gid is omitted it
// defaults to the uid.
func ParseUser(user string) (uid, gid int, err error) {
	parts := strings.SplitN(user, ":", 2)
	uid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("user %q has invalid uid: %w", user, ErrNotValid)
	}
	gid = uid
	if len(parts) > 1 {
		gid, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("user %q has invalid gid: %w", user, ErrNotValid)
		}
	}
	return uid, gid, nil
}

// WaitOutcome is the distinguishable result of waiting for an instance.
type WaitOutcome string

const (
	// WaitHalted indicates the guest halted on its own.
	WaitHalted WaitOutcome = "halted"
	// WaitTimeout indicates the instance deadline passed.
	WaitTimeout WaitOutcome = "timeout"
	// WaitCancelled indicates the caller's token fired.
	WaitCancelled WaitOutcome = "cancelled"
)
