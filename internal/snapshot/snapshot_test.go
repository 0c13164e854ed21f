package snapshot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/guestfs"
	"github.com/guestkit/guestkit/internal/hypervisor/local"
	"github.com/guestkit/guestkit/internal/instance"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/snapshot"
	"github.com/guestkit/guestkit/internal/storage/memory"
)

func newTestCache(t *testing.T) *snapshot.Cache {
	t.Helper()

	c, err := snapshot.NewCache(snapshot.CacheConfig{
		Store: memory.NewLayerStore(),
		Repo:  memory.NewSnapshotRepository(),
	})
	require.NoError(t, err)
	return c
}

// newGuestFS boots a local-backend guest and returns its filesystem proxy.
func newGuestFS(t *testing.T) *guestfs.FS {
	t.Helper()

	m, err := instance.NewManager(instance.ManagerConfig{
		Backend: local.NewBackend(local.BackendConfig{RootDir: t.TempDir()}),
	})
	require.NoError(t, err)

	inst, err := m.Create(nil, model.InstanceSpec{
		Resources: model.Resources{VCPUs: 1, MemoryMB: 128},
	})
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })

	return inst.FS()
}

func seedTree(t *testing.T, fsys *guestfs.FS) {
	t.Helper()

	require.NoError(t, fsys.MkdirAll(nil, "/data/sub", 0o755))
	require.NoError(t, fsys.WriteFile(nil, "/data/a.txt", []byte("alpha"), 0o644))
	require.NoError(t, fsys.WriteFile(nil, "/data/sub/b.txt", []byte("beta"), 0o600))
	require.NoError(t, fsys.Symlink(nil, "a.txt", "/data/link"))
}

func TestCaptureIsReproducible(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	s1, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)

	s2, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)

	assert.Equal(t, s1.CacheKey(), s2.CacheKey())
	assert.Equal(t, s1.ID(), s2.ID(), "second capture of an unchanged tree should hit the cache")

	all, err := cache.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCaptureContentChangesKey(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	s1, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)

	require.NoError(t, fsys.WriteFile(nil, "/data/a.txt", []byte("changed"), 0o644))

	s2, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)

	assert.NotEqual(t, s1.CacheKey(), s2.CacheKey())
}

func TestCaptureExcludesChangeKey(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	s1, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Excludes: []string{"*.log"}})
	require.NoError(t, err)

	s2, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Excludes: []string{"*.tmp"}})
	require.NoError(t, err)

	assert.NotEqual(t, s1.CacheKey(), s2.CacheKey(),
		"same content under different excludes must not share a key")
}

func TestCaptureExcludesPrune(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)
	require.NoError(t, fsys.WriteFile(nil, "/data/build.log", []byte("noise"), 0o644))

	s, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Excludes: []string{"*.log"}})
	require.NoError(t, err)

	other := newGuestFS(t)
	require.NoError(t, cache.Restore(nil, other, s, "/restore"))

	_, err = other.Stat(nil, "/restore/build.log")
	assert.Error(t, err, "excluded file should not be captured")

	data, err := other.ReadFile(nil, "/restore/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)
}

func TestRestoreReproducesTree(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	s, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)

	other := newGuestFS(t)
	require.NoError(t, cache.Restore(nil, other, s, "/restore"))

	data, err := other.ReadFile(nil, "/restore/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), data)

	info, err := other.Stat(nil, "/restore/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().String())

	target, err := other.Readlink(nil, "/restore/link")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
}

func TestLayeredCaptureStoresDiffAndRestoresChain(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	base, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)

	// Change one file, add one, delete one.
	require.NoError(t, fsys.WriteFile(nil, "/data/a.txt", []byte("alpha-2"), 0o644))
	require.NoError(t, fsys.WriteFile(nil, "/data/new.txt", []byte("fresh"), 0o644))
	require.NoError(t, fsys.Remove(nil, "/data/sub/b.txt"))

	child, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Parent: base})
	require.NoError(t, err)

	rec := child.Record()
	assert.Equal(t, base.CacheKey(), rec.ParentKey)
	assert.Equal(t, 3, rec.Entries, "diff layer should carry only the changed paths")

	other := newGuestFS(t)
	require.NoError(t, cache.Restore(nil, other, child, "/restore"))

	data, err := other.ReadFile(nil, "/restore/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha-2"), data)

	data, err = other.ReadFile(nil, "/restore/new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), data)

	_, err = other.Stat(nil, "/restore/sub/b.txt")
	assert.Error(t, err, "deleted file must not survive the chain restore")
}

func TestLookupMaterializesParentChain(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	base, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)
	require.NoError(t, fsys.WriteFile(nil, "/data/new.txt", []byte("fresh"), 0o644))
	child, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Parent: base})
	require.NoError(t, err)

	got, ok, err := cache.Lookup(context.Background(), child.CacheKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, child.ID(), got.ID())
	require.NotNil(t, got.Parent())
	assert.Equal(t, base.ID(), got.Parent().ID())

	_, ok, err = cache.Lookup(context.Background(), "sha256:absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyOverrideWinsOverContent(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	s1, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Key: "build:step-1"})
	require.NoError(t, err)
	assert.Equal(t, "build:step-1", s1.CacheKey())

	// Content changed, same key: the cache answers from the index.
	require.NoError(t, fsys.WriteFile(nil, "/data/a.txt", []byte("changed"), 0o644))
	s2, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Key: "build:step-1"})
	require.NoError(t, err)
	assert.Equal(t, s1.ID(), s2.ID())
}

func TestCloseRefusesWhileReferenced(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	base, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)
	require.NoError(t, fsys.WriteFile(nil, "/data/new.txt", []byte("fresh"), 0o644))
	child, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Parent: base})
	require.NoError(t, err)

	err = base.Close()
	assert.ErrorIs(t, err, model.ErrNotValid, "parent of an open child must not close")

	require.NoError(t, child.Close())
	assert.NoError(t, base.Close())
	assert.NoError(t, base.Close(), "close should be idempotent")
}

func TestSourceHoldsSnapshotReference(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)

	s, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)

	src := s.Source(model.ImageConfig{})
	assert.Equal(t, "snapshot:"+s.CacheKey(), src.ID())

	err = s.Close()
	assert.ErrorIs(t, err, model.ErrNotValid)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.NoError(t, s.Close())
}

func TestDeleteRefusesParents(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	fsys := newGuestFS(t)
	seedTree(t, fsys)
	ctx := context.Background()

	base, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data"})
	require.NoError(t, err)
	require.NoError(t, fsys.WriteFile(nil, "/data/new.txt", []byte("fresh"), 0o644))
	child, err := cache.Capture(nil, fsys, snapshot.CaptureOpts{Dir: "/data", Parent: base})
	require.NoError(t, err)

	err = cache.Delete(ctx, base.ID())
	assert.ErrorIs(t, err, model.ErrNotValid)

	require.NoError(t, cache.Delete(ctx, child.ID()))
	require.NoError(t, cache.Delete(ctx, base.ID()))

	all, err := cache.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
