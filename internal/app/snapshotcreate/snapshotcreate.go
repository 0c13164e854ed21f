// Package snapshotcreate implements the application service that captures a
// host directory as a snapshot. The directory is staged into a short-lived
// local-backend guest so the capture goes through the same filesystem proxy
// path every other snapshot uses.
package snapshotcreate

import (
	"context"
	"fmt"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/hypervisor/local"
	"github.com/guestkit/guestkit/internal/instance"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/snapshot"
	"github.com/guestkit/guestkit/internal/source"
)

// ServiceConfig is the configuration for the snapshot create service.
type ServiceConfig struct {
	Cache  *snapshot.Cache
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Cache == nil {
		return fmt.Errorf("snapshot cache is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.SnapshotCreate"})

	return nil
}

// Service captures snapshots from host directories.
type Service struct {
	cache  *snapshot.Cache
	logger log.Logger
}

// NewService creates a new snapshot create service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		cache:  cfg.Cache,
		logger: cfg.Logger,
	}, nil
}

// Request represents the snapshot create request parameters.
type Request struct {
	// Dir is the host directory to capture.
	Dir string
	// Excludes are glob patterns pruned from the capture.
	Excludes []string
}

// Run captures the directory and returns the indexed record.
func (s *Service) Run(ctx context.Context, req Request) (*model.SnapshotRecord, error) {
	if req.Dir == "" {
		return nil, fmt.Errorf("directory is required: %w", model.ErrNotValid)
	}

	src, err := source.NewDir(req.Dir, model.ImageConfig{})
	if err != nil {
		return nil, err
	}
	defer src.Close()

	manager, err := instance.NewManager(instance.ManagerConfig{
		Backend: local.NewBackend(local.BackendConfig{Logger: s.logger}),
		Logger:  s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create instance manager: %w", err)
	}

	token, stop := cancel.FromContext(ctx)
	defer stop()

	inst, err := manager.Create(token, model.InstanceSpec{
		Resources: model.Resources{VCPUs: 1, MemoryMB: 128},
	})
	if err != nil {
		return nil, fmt.Errorf("could not create staging instance: %w", err)
	}
	defer inst.Close()

	if err := src.Populate(token, inst.FS()); err != nil {
		return nil, fmt.Errorf("could not stage directory: %w", err)
	}

	snap, err := s.cache.Capture(token, inst.FS(), snapshot.CaptureOpts{
		Excludes: req.Excludes,
	})
	if err != nil {
		return nil, fmt.Errorf("could not capture snapshot: %w", err)
	}
	defer snap.Close()

	rec := snap.Record()
	s.logger.WithValues(log.Kv{"snapshot": rec.ID}).Infof("Snapshot created")
	return &rec, nil
}
