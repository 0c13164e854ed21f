package lib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestproc"
	"github.com/guestkit/guestkit/internal/instance"
)

// Instance is a running guest. It is created through [Client.CreateInstance]
// and must be released with [Instance.Close].
type Instance struct {
	inner *instance.Instance
}

// ID returns the unique instance identifier (ULID).
func (i *Instance) ID() string { return i.inner.ID() }

// Status returns the current lifecycle state.
func (i *Instance) Status() InstanceStatus {
	return InstanceStatus(i.inner.Status())
}

// Close terminates the instance and releases every handle created through
// it. Close is idempotent.
func (i *Instance) Close() error {
	return mapError(i.inner.Close())
}

// Wait blocks until the instance terminates or ctx is cancelled.
// Cancellation returns [WaitCancelled] with [ErrCancelled] and leaves the
// instance running.
func (i *Instance) Wait(ctx context.Context) (WaitOutcome, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	outcome, err := i.inner.Wait(token)
	return WaitOutcome(outcome), mapError(err)
}

// Exec runs a command in the guest and waits for it to finish.
//
// A non-zero exit is reported in the result, not as an error. When opts has
// no Stdout/Stderr writers the output is captured into the result.
func (i *Instance) Exec(ctx context.Context, command []string, opts *ExecOpts) (*ExecResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command cannot be empty: %w", ErrNotValid)
	}
	if opts == nil {
		opts = &ExecOpts{}
	}

	token, stop := cancel.FromContext(ctx)
	defer stop()

	cmd := i.inner.Command(command...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = &stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = &stderr
	}

	res := &ExecResult{}
	err := cmd.Run(token)
	if err != nil {
		var exitErr *guestproc.ExitError
		if !errors.As(err, &exitErr) {
			return nil, mapError(err)
		}
		res.ExitCode = exitErr.Code
		if exitErr.Killed {
			res.ExitCode = -1
		}
	}

	if opts.Stdout == nil {
		res.Stdout = stdout.Bytes()
	}
	if opts.Stderr == nil {
		res.Stderr = stderr.Bytes()
	}
	return res, nil
}

// ReadFile reads a guest file through the filesystem proxy.
func (i *Instance) ReadFile(ctx context.Context, path string) ([]byte, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	data, err := i.inner.FS().ReadFile(token, path)
	return data, mapError(err)
}

// WriteFile writes a guest file through the filesystem proxy, creating or
// truncating it.
func (i *Instance) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	return mapError(i.inner.FS().WriteFile(token, path, data, perm))
}

// Stat returns metadata of a guest path.
func (i *Instance) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	info, err := i.inner.FS().Stat(token, path)
	return info, mapError(err)
}

// MkdirAll creates a guest directory and its missing parents.
func (i *Instance) MkdirAll(ctx context.Context, path string, perm fs.FileMode) error {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	return mapError(i.inner.FS().MkdirAll(token, path, perm))
}

// Remove removes a guest file or empty directory.
func (i *Instance) Remove(ctx context.Context, path string) error {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	return mapError(i.inner.FS().Remove(token, path))
}

// CopyTo copies a host file into the guest.
func (i *Instance) CopyTo(ctx context.Context, hostPath, guestPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("could not read host file: %w", err)
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	return i.WriteFile(ctx, guestPath, data, info.Mode().Perm())
}

// CopyFrom copies a guest file to the host.
func (i *Instance) CopyFrom(ctx context.Context, guestPath, hostPath string) error {
	data, err := i.ReadFile(ctx, guestPath)
	if err != nil {
		return err
	}
	return os.WriteFile(hostPath, data, 0o644)
}

// SetNetworkEnabled toggles outbound guest networking.
func (i *Instance) SetNetworkEnabled(enabled bool) error {
	return mapError(i.inner.SetNetworkEnabled(enabled))
}

// internal exposes the wrapped instance to the client for snapshot capture.
func (i *Instance) internal() *instance.Instance { return i.inner }
