package snapshotremove_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/app/snapshotcreate"
	"github.com/guestkit/guestkit/internal/app/snapshotremove"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/snapshot"
	"github.com/guestkit/guestkit/internal/storage/memory"
)

func newCache(t *testing.T) *snapshot.Cache {
	t.Helper()

	cache, err := snapshot.NewCache(snapshot.CacheConfig{
		Store: memory.NewLayerStore(),
		Repo:  memory.NewSnapshotRepository(),
	})
	require.NoError(t, err)
	return cache
}

func TestRunRemovesSnapshot(t *testing.T) {
	t.Parallel()

	cache := newCache(t)

	createSvc, err := snapshotcreate.NewService(snapshotcreate.ServiceConfig{Cache: cache})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	rec, err := createSvc.Run(context.Background(), snapshotcreate.Request{Dir: dir})
	require.NoError(t, err)

	svc, err := snapshotremove.NewService(snapshotremove.ServiceConfig{Cache: cache})
	require.NoError(t, err)

	require.NoError(t, svc.Run(context.Background(), snapshotremove.Request{ID: rec.ID}))

	all, err := cache.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunMissingSnapshot(t *testing.T) {
	t.Parallel()

	svc, err := snapshotremove.NewService(snapshotremove.ServiceConfig{Cache: newCache(t)})
	require.NoError(t, err)

	err = svc.Run(context.Background(), snapshotremove.Request{ID: "absent"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRunRequiresID(t *testing.T) {
	t.Parallel()

	svc, err := snapshotremove.NewService(snapshotremove.ServiceConfig{Cache: newCache(t)})
	require.NoError(t, err)

	err = svc.Run(context.Background(), snapshotremove.Request{})
	assert.ErrorIs(t, err, model.ErrNotValid)
}
