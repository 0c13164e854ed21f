package snapshotlist_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/app/snapshotlist"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/storage/memory"
)

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		config snapshotlist.ServiceConfig
		expErr bool
	}{
		"valid config should create service": {
			config: snapshotlist.ServiceConfig{
				Repository: memory.NewSnapshotRepository(),
				Logger:     log.Noop,
			},
			expErr: false,
		},
		"missing repository should fail": {
			config: snapshotlist.ServiceConfig{
				Logger: log.Noop,
			},
			expErr: true,
		},
		"nil logger should default to noop": {
			config: snapshotlist.ServiceConfig{
				Repository: memory.NewSnapshotRepository(),
			},
			expErr: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			svc, err := snapshotlist.NewService(test.config)

			if test.expErr {
				require.Error(t, err)
				require.Nil(t, svc)
			} else {
				require.NoError(t, err)
				require.NotNil(t, svc)
			}
		})
	}
}

func TestServiceRun(t *testing.T) {
	repo := memory.NewSnapshotRepository()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	records := []model.SnapshotRecord{
		{ID: "snap-1", CacheKey: "sha256:aaa", LayerDigest: "sha256:l1", CreatedAt: base},
		{ID: "snap-2", CacheKey: "sha256:bbb", LayerDigest: "sha256:l2", CreatedAt: base.Add(time.Hour)},
	}
	for _, r := range records {
		require.NoError(t, repo.CreateSnapshot(context.Background(), r))
	}

	svc, err := snapshotlist.NewService(snapshotlist.ServiceConfig{Repository: repo})
	require.NoError(t, err)

	got, err := svc.Run(context.Background(), snapshotlist.Request{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "snap-2", got[0].ID, "newest snapshot should come first")
	assert.Equal(t, "snap-1", got[1].ID)
}

func TestServiceRunFiltersByParent(t *testing.T) {
	repo := memory.NewSnapshotRepository()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	records := []model.SnapshotRecord{
		{ID: "root", CacheKey: "sha256:aaa", LayerDigest: "sha256:l1", CreatedAt: base},
		{ID: "child-1", CacheKey: "sha256:bbb", ParentKey: "sha256:aaa", LayerDigest: "sha256:l2", CreatedAt: base.Add(time.Hour)},
		{ID: "child-2", CacheKey: "sha256:ccc", ParentKey: "sha256:aaa", LayerDigest: "sha256:l3", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "grandchild", CacheKey: "sha256:ddd", ParentKey: "sha256:bbb", LayerDigest: "sha256:l4", CreatedAt: base.Add(3 * time.Hour)},
	}
	for _, r := range records {
		require.NoError(t, repo.CreateSnapshot(context.Background(), r))
	}

	svc, err := snapshotlist.NewService(snapshotlist.ServiceConfig{Repository: repo})
	require.NoError(t, err)

	got, err := svc.Run(context.Background(), snapshotlist.Request{ParentKey: "sha256:aaa"})
	require.NoError(t, err)
	require.Len(t, got, 2, "only direct children should match")
	assert.Equal(t, "child-2", got[0].ID)
	assert.Equal(t, "child-1", got[1].ID)
}

func TestServiceRunEmpty(t *testing.T) {
	svc, err := snapshotlist.NewService(snapshotlist.ServiceConfig{
		Repository: memory.NewSnapshotRepository(),
	})
	require.NoError(t, err)

	got, err := svc.Run(context.Background(), snapshotlist.Request{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
