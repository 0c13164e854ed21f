package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/opencontainers/go-digest"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/codec"
	"github.com/guestkit/guestkit/internal/guestfs"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/storage"
)

// CacheConfig is the configuration for the snapshot cache.
type CacheConfig struct {
	// Store holds layer blobs. Required.
	Store storage.LayerStore
	// Repo persists the snapshot index. Required.
	Repo storage.SnapshotRepository
	// Logger defaults to noop.
	Logger log.Logger
}

func (c *CacheConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("layer store is required")
	}
	if c.Repo == nil {
		return fmt.Errorf("snapshot repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "snapshot.Cache"})
	return nil
}

// Cache captures, stores and restores snapshots.
type Cache struct {
	store  storage.LayerStore
	repo   storage.SnapshotRepository
	logger log.Logger
}

// NewCache creates a new snapshot cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Cache{store: cfg.Store, repo: cfg.Repo, logger: cfg.Logger}, nil
}

// CaptureOpts configures one capture.
type CaptureOpts struct {
	// Dir is the guest directory to capture. Defaults to "/".
	Dir string
	// Excludes are glob patterns pruned from the capture, matched against
	// the path relative to Dir and against base names.
	Excludes []string
	// Parent layers the capture on an existing snapshot; only the diff is
	// stored. The new snapshot holds a reference on the parent.
	Parent *Snapshot
	// Key overrides the content-derived cache key. Builds use this to key
	// snapshots by instruction chain so reuse can be decided before
	// executing anything.
	Key string
}

// Capture walks the guest tree and stores it as a layer. When a snapshot
// with the same cache key already exists it is returned instead and nothing
// is written.
func (c *Cache) Capture(token *cancel.Token, fsys *guestfs.FS, opts CaptureOpts) (*Snapshot, error) {
	ctx := context.Background()
	if opts.Dir == "" {
		opts.Dir = "/"
	}

	parentKey := ""
	parentState := map[string]Entry{}
	if opts.Parent != nil {
		parentKey = opts.Parent.CacheKey()
		var err error
		parentState, err = c.chainState(ctx, opts.Parent)
		if err != nil {
			return nil, fmt.Errorf("could not load parent chain: %w", err)
		}
	}

	full, err := captureTree(token, fsys, opts.Dir, opts.Excludes)
	if err != nil {
		return nil, fmt.Errorf("could not capture guest tree: %w", err)
	}
	layer := diffLayer(parentState, full)

	content, err := manifestDigest(layer)
	if err != nil {
		return nil, err
	}
	key := opts.Key
	if key == "" {
		key = cacheKeyFor(parentKey, content, opts.Excludes).String()
	}

	if rec, err := c.repo.GetSnapshotByCacheKey(ctx, key); err == nil {
		c.logger.WithValues(log.Kv{"cache-key": key}).Debugf("snapshot cache hit")
		return c.open(*rec, opts.Parent), nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	raw, err := codec.Marshal(layer)
	if err != nil {
		return nil, fmt.Errorf("could not encode layer: %w", err)
	}
	layerDigest := digest.FromBytes(raw)
	if err := c.store.Put(ctx, layerDigest, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("could not store layer: %w", err)
	}

	var size int64
	for _, e := range layer.Entries {
		size += e.Size
	}
	rec := model.SnapshotRecord{
		ID:          ulid.Make().String(),
		CacheKey:    key,
		ParentKey:   parentKey,
		LayerDigest: layerDigest.String(),
		Excludes:    opts.Excludes,
		SizeBytes:   size,
		Entries:     len(layer.Entries),
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.repo.CreateSnapshot(ctx, rec); err != nil {
		return nil, fmt.Errorf("could not index snapshot: %w", err)
	}

	c.logger.WithValues(log.Kv{"snapshot": rec.ID, "entries": rec.Entries}).Debugf("snapshot captured")

	return c.open(rec, opts.Parent), nil
}

// open materializes a snapshot handle, retaining its parent.
func (c *Cache) open(rec model.SnapshotRecord, parent *Snapshot) *Snapshot {
	if parent != nil {
		parent.retain()
	}
	return &Snapshot{cache: c, record: rec, parent: parent}
}

// Lookup opens the snapshot with the given cache key, materializing its
// parent chain from the index. The second return is false on a miss.
func (c *Cache) Lookup(ctx context.Context, cacheKey string) (*Snapshot, bool, error) {
	rec, err := c.repo.GetSnapshotByCacheKey(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var parent *Snapshot
	if rec.ParentKey != "" {
		p, ok, err := c.Lookup(ctx, rec.ParentKey)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("snapshot %s references missing parent %s: %w", rec.ID, rec.ParentKey, model.ErrNotFound)
		}
		parent = p
	}

	return c.open(*rec, parent), true, nil
}

// List returns all indexed snapshots.
func (c *Cache) List(ctx context.Context) ([]model.SnapshotRecord, error) {
	return c.repo.ListSnapshots(ctx)
}

// Delete removes a snapshot from the index and drops its layer blob unless
// another snapshot still uses it. Snapshots that parent other snapshots
// cannot be deleted.
func (c *Cache) Delete(ctx context.Context, id string) error {
	rec, err := c.repo.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}

	all, err := c.repo.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	blobUsers := 0
	for _, other := range all {
		if other.ID == rec.ID {
			continue
		}
		if other.ParentKey == rec.CacheKey {
			return fmt.Errorf("snapshot %s is the parent of %s: %w", id, other.ID, model.ErrNotValid)
		}
		if other.LayerDigest == rec.LayerDigest {
			blobUsers++
		}
	}

	if err := c.repo.DeleteSnapshot(ctx, id); err != nil {
		return err
	}
	if blobUsers == 0 {
		if err := c.store.Delete(ctx, digest.Digest(rec.LayerDigest)); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}

	c.logger.Debugf("Deleted snapshot %s", id)
	return nil
}

// loadLayer fetches and decodes the layer blob of a record.
func (c *Cache) loadLayer(ctx context.Context, rec model.SnapshotRecord) (Layer, error) {
	r, err := c.store.Get(ctx, digest.Digest(rec.LayerDigest))
	if err != nil {
		return Layer{}, err
	}
	defer r.Close()
	return decodeLayer(r)
}

// chain returns the records root-first for a snapshot.
func chain(s *Snapshot) []model.SnapshotRecord {
	var out []model.SnapshotRecord
	for cur := s; cur != nil; cur = cur.parent {
		out = append(out, cur.record)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// chainState folds the whole chain into cumulative path state.
func (c *Cache) chainState(ctx context.Context, s *Snapshot) (map[string]Entry, error) {
	state := map[string]Entry{}
	for _, rec := range chain(s) {
		layer, err := c.loadLayer(ctx, rec)
		if err != nil {
			return nil, err
		}
		foldState(state, layer)
	}
	return state, nil
}

// Restore writes a snapshot chain into a guest tree, root layer first.
func (c *Cache) Restore(token *cancel.Token, fsys *guestfs.FS, s *Snapshot, dir string) error {
	if dir == "" {
		dir = "/"
	}
	ctx := context.Background()
	for _, rec := range chain(s) {
		layer, err := c.loadLayer(ctx, rec)
		if err != nil {
			return err
		}
		if err := applyLayer(token, fsys, dir, layer); err != nil {
			return fmt.Errorf("could not apply layer %s: %w", rec.ID, err)
		}
	}
	return nil
}
