package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/guestkit/guestkit/internal/snapshot"
	"github.com/guestkit/guestkit/internal/storage/disk"
	"github.com/guestkit/guestkit/internal/storage/sqlite"
)

// newSnapshotCache wires the snapshot index and layer store for the snapshot
// commands. The returned close function releases the database connection.
func newSnapshotCache(ctx context.Context, rootCmd *RootCommand) (*snapshot.Cache, func() error, error) {
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: rootCmd.DBPath,
		Logger: rootCmd.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not create repository: %w", err)
	}

	store, err := disk.NewStore(disk.StoreConfig{
		Dir:    filepath.Join(rootCmd.DataDir, "layers"),
		Logger: rootCmd.Logger,
	})
	if err != nil {
		_ = repo.Close()
		return nil, nil, fmt.Errorf("could not create layer store: %w", err)
	}

	cache, err := snapshot.NewCache(snapshot.CacheConfig{
		Store:  store,
		Repo:   repo,
		Logger: rootCmd.Logger,
	})
	if err != nil {
		_ = repo.Close()
		return nil, nil, fmt.Errorf("could not create snapshot cache: %w", err)
	}

	return cache, repo.Close, nil
}
