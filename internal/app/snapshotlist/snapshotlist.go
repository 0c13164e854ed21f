// Package snapshotlist implements the application service that lists
// indexed snapshots, optionally narrowed to the children of one parent.
package snapshotlist

import (
	"context"
	"fmt"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/storage"
)

// ServiceConfig is the configuration for the snapshot list service.
type ServiceConfig struct {
	Repository storage.SnapshotRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.SnapshotList"})

	return nil
}

// Service lists snapshots.
type Service struct {
	repo   storage.SnapshotRepository
	logger log.Logger
}

// NewService creates a new snapshot list service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the snapshot list request parameters.
type Request struct {
	// ParentKey narrows the listing to direct children of the snapshot with
	// that cache key. Empty lists everything.
	ParentKey string
}

// Run lists snapshots, newest first.
func (s *Service) Run(ctx context.Context, req Request) ([]model.SnapshotRecord, error) {
	s.logger.Debugf("listing snapshots")

	snapshots, err := s.repo.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list snapshots: %w", err)
	}

	if req.ParentKey != "" {
		children := snapshots[:0]
		for _, snap := range snapshots {
			if snap.ParentKey == req.ParentKey {
				children = append(children, snap)
			}
		}
		snapshots = children
	}

	s.logger.Debugf("found %d snapshots", len(snapshots))
	return snapshots, nil
}
