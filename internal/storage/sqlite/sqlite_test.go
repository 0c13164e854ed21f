package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/storage/sqlite"
)

func snapshotFixture(id, cacheKey string) model.SnapshotRecord {
	return model.SnapshotRecord{
		ID:          id,
		CacheKey:    cacheKey,
		LayerDigest: "sha256:4355a46b19d348dc2f57c046f8ef63d4538ebb936000f3c9ee954a27460dd865",
		Excludes:    []string{"*.log", "tmp/*"},
		SizeBytes:   2048,
		Entries:     7,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestNewRepository(t *testing.T) {
	tests := map[string]struct {
		config func(t *testing.T) sqlite.RepositoryConfig
		expErr bool
	}{
		"A valid config should work.": {
			config: func(t *testing.T) sqlite.RepositoryConfig {
				return sqlite.RepositoryConfig{
					DBPath: filepath.Join(t.TempDir(), "test.db"),
				}
			},
		},

		"A missing db path should fail.": {
			config: func(t *testing.T) sqlite.RepositoryConfig {
				return sqlite.RepositoryConfig{}
			},
			expErr: true,
		},

		"A missing parent directory should be created.": {
			config: func(t *testing.T) sqlite.RepositoryConfig {
				return sqlite.RepositoryConfig{
					DBPath: filepath.Join(t.TempDir(), "nested", "dirs", "test.db"),
				}
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo, err := sqlite.NewRepository(context.Background(), test.config(t))

			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, repo.Close())
		})
	}
}

func TestCreateAndGetSnapshot(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	repo := newRepo(t)

	rec := snapshotFixture("snap-1", "sha256:aaa")
	require.NoError(t, repo.CreateSnapshot(ctx, rec))

	got, err := repo.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(rec, *got)

	got, err = repo.GetSnapshotByCacheKey(ctx, "sha256:aaa")
	require.NoError(t, err)
	assert.Equal(rec, *got)
}

func TestCreateSnapshotInvalid(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := snapshotFixture("", "sha256:aaa")
	err := repo.CreateSnapshot(ctx, rec)
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestCreateSnapshotDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := snapshotFixture("snap-1", "sha256:aaa")
	require.NoError(t, repo.CreateSnapshot(ctx, rec))

	err := repo.CreateSnapshot(ctx, rec)
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestGetSnapshotMissing(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.GetSnapshot(ctx, "absent")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = repo.GetSnapshotByCacheKey(ctx, "sha256:absent")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	repo := newRepo(t)

	old := snapshotFixture("snap-old", "sha256:aaa")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	recent := snapshotFixture("snap-new", "sha256:bbb")

	require.NoError(t, repo.CreateSnapshot(ctx, old))
	require.NoError(t, repo.CreateSnapshot(ctx, recent))

	snaps, err := repo.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal("snap-new", snaps[0].ID)
	assert.Equal("snap-old", snaps[1].ID)
}

func TestListSnapshotsEmpty(t *testing.T) {
	repo := newRepo(t)

	snaps, err := repo.ListSnapshots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestDeleteSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := snapshotFixture("snap-1", "sha256:aaa")
	require.NoError(t, repo.CreateSnapshot(ctx, rec))

	require.NoError(t, repo.DeleteSnapshot(ctx, "snap-1"))

	_, err := repo.GetSnapshot(ctx, "snap-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = repo.DeleteSnapshot(ctx, "snap-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSnapshotWithoutExcludes(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	repo := newRepo(t)

	rec := snapshotFixture("snap-1", "sha256:aaa")
	rec.Excludes = nil
	require.NoError(t, repo.CreateSnapshot(ctx, rec))

	got, err := repo.GetSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Nil(got.Excludes)
}
