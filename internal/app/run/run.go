// Package run implements the application service that boots a guest from a
// run configuration, executes its command and tears everything down.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestproc"
	"github.com/guestkit/guestkit/internal/hypervisor"
	"github.com/guestkit/guestkit/internal/hypervisor/local"
	"github.com/guestkit/guestkit/internal/hypervisor/vmm"
	"github.com/guestkit/guestkit/internal/instance"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
)

// ServiceConfig is the configuration for the run service.
type ServiceConfig struct {
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Run"})
	return nil
}

// Service boots guests and runs commands in them.
type Service struct {
	logger log.Logger
}

// NewService creates a new run service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{logger: cfg.Logger}, nil
}

// Request contains the parameters for a run.
type Request struct {
	Config model.RunConfig
	// Env overrides entries from the config environment.
	Env map[string]string
	// Files are host file paths uploaded into the guest working directory
	// (or "/" when no directory is set) before the command runs.
	Files []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a run.
type Result struct {
	InstanceID string
	ExitCode   int
}

// Run boots the guest, executes the configured command wired to the request
// streams, and closes the instance. A non-zero guest exit is reported in the
// result, not as an error.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Config.Command) == 0 {
		return nil, fmt.Errorf("command cannot be empty: %w", model.ErrNotValid)
	}
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}

	backend, err := s.backendFor(req.Config)
	if err != nil {
		return nil, err
	}

	manager, err := instance.NewManager(instance.ManagerConfig{
		Backend: backend,
		Logger:  s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create instance manager: %w", err)
	}

	token, stop := cancel.FromContext(ctx)
	defer stop()

	inst, err := manager.Create(token, req.Config.Spec)
	if err != nil {
		return nil, fmt.Errorf("could not create instance: %w", err)
	}
	defer inst.Close()

	s.logger.WithValues(log.Kv{"instance": inst.ID(), "name": req.Config.Name}).Infof("Instance started")

	if err := s.uploadFiles(token, inst, req); err != nil {
		return nil, err
	}

	cmd := inst.Command(req.Config.Command...)
	cmd.Dir = req.Config.Dir
	cmd.Env = flattenEnv(req.Config.Env, req.Env)
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr

	res := &Result{InstanceID: inst.ID()}

	err = cmd.Run(token)
	if err != nil {
		var exitErr *guestproc.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.Code
			return res, nil
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}

	return res, nil
}

// uploadFiles copies the request files into the guest working directory.
func (s *Service) uploadFiles(token *cancel.Token, inst *instance.Instance, req Request) error {
	if len(req.Files) == 0 {
		return nil
	}

	destDir := req.Config.Dir
	if destDir == "" {
		destDir = "/"
	}

	// Validate all host files exist before doing any work.
	for _, f := range req.Files {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("upload file %q does not exist: %w: %w", f, err, model.ErrNotValid)
		}
	}

	if err := inst.FS().MkdirAll(token, destDir, 0o755); err != nil {
		return fmt.Errorf("could not create destination directory %q: %w", destDir, err)
	}

	for _, f := range req.Files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("could not read file %q: %w", f, err)
		}
		info, err := os.Stat(f)
		if err != nil {
			return err
		}
		guestPath := path.Join(destDir, path.Base(f))
		s.logger.Debugf("Uploading %s to %s", f, guestPath)
		if err := inst.FS().WriteFile(token, guestPath, data, info.Mode().Perm()); err != nil {
			return fmt.Errorf("could not upload file %q: %w", f, err)
		}
	}
	return nil
}

func (s *Service) backendFor(cfg model.RunConfig) (hypervisor.Backend, error) {
	switch {
	case cfg.Local != nil:
		return local.NewBackend(local.BackendConfig{
			RootDir: cfg.Local.RootDir,
			Logger:  s.logger,
		}), nil
	case cfg.VMM != nil:
		return vmm.NewBackend(vmm.BackendConfig{
			Binary:      cfg.VMM.Binary,
			KernelImage: cfg.VMM.KernelImage,
			RootFSImage: cfg.VMM.RootFSImage,
			Logger:      s.logger,
		})
	default:
		return nil, fmt.Errorf("no hypervisor configured: %w", model.ErrNotValid)
	}
}

// flattenEnv merges the config environment with overrides into KEY=VALUE
// form, sorted so command invocations are deterministic.
func flattenEnv(base, override map[string]string) []string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
