// Package snapshotremove implements the application service that removes a
// snapshot and its layer blob when nothing else uses it.
package snapshotremove

import (
	"context"
	"fmt"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/snapshot"
)

// ServiceConfig is the configuration for the snapshot remove service.
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.SnapshotRemove"})

	return nil
}

// Service removes snapshots.
type Service struct {
	cache  *snapshot.Cache
	logger log.Logger
}

// NewService creates a new snapshot remove service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		cache:  cfg.Cache,
		logger: cfg.Logger,
	}, nil
}

// Request represents the snapshot remove request parameters.
type Request struct {
	ID string
}

// Run removes a snapshot by ID.
func (s *Service) Run(ctx context.Context, req Request) error {
	if req.ID == "" {
		return fmt.Errorf("snapshot id is required: %w", model.ErrNotValid)
	}

	if err := s.cache.Delete(ctx, req.ID); err != nil {
		return fmt.Errorf("could not remove snapshot: %w", err)
	}

	s.logger.Infof("Snapshot %s removed", req.ID)
	return nil
}
