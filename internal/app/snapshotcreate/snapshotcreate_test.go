package snapshotcreate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/app/snapshotcreate"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/snapshot"
	"github.com/guestkit/guestkit/internal/storage/memory"
)

func newService(t *testing.T) (*snapshotcreate.Service, *snapshot.Cache) {
	t.Helper()

	cache, err := snapshot.NewCache(snapshot.CacheConfig{
		Store: memory.NewLayerStore(),
		Repo:  memory.NewSnapshotRepository(),
	})
	require.NoError(t, err)

	svc, err := snapshotcreate.NewService(snapshotcreate.ServiceConfig{Cache: cache})
	require.NoError(t, err)
	return svc, cache
}

func TestRunCapturesDirectory(t *testing.T) {
	t.Parallel()

	svc, cache := newService(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("beta"), 0o644))

	rec, err := svc.Run(context.Background(), snapshotcreate.Request{Dir: dir})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 3, rec.Entries)

	all, err := cache.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunSameDirectoryHitsCache(t *testing.T) {
	t.Parallel()

	svc, cache := newService(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))

	first, err := svc.Run(context.Background(), snapshotcreate.Request{Dir: dir})
	require.NoError(t, err)

	second, err := svc.Run(context.Background(), snapshotcreate.Request{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := cache.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunRequiresDirectory(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)

	_, err := svc.Run(context.Background(), snapshotcreate.Request{})
	assert.ErrorIs(t, err, model.ErrNotValid)
}
