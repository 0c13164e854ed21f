package lib

import (
	"context"
	"fmt"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/snapshot"
)

// SnapshotOpts are the options for capturing a snapshot.
type SnapshotOpts struct {
	// Dir is the guest directory to capture. Default: "/".
	Dir string
	// Excludes are glob patterns pruned from the capture, matched against
	// paths relative to Dir and against base names.
	Excludes []string
	// ParentCacheKey layers the capture on an existing snapshot; only the
	// difference is stored.
	ParentCacheKey string
}

// CreateSnapshot captures the guest tree of a running instance as a
// content-addressed snapshot. When an identical snapshot already exists it
// is returned without storing anything.
func (c *Client) CreateSnapshot(ctx context.Context, inst *Instance, opts *SnapshotOpts) (Snapshot, error) {
	if opts == nil {
		opts = &SnapshotOpts{}
	}

	token, stop := cancel.FromContext(ctx)
	defer stop()

	captureOpts := snapshot.CaptureOpts{
		Dir:      opts.Dir,
		Excludes: opts.Excludes,
	}
	if opts.ParentCacheKey != "" {
		parent, ok, err := c.cache.Lookup(ctx, opts.ParentCacheKey)
		if err != nil {
			return Snapshot{}, mapError(err)
		}
		if !ok {
			return Snapshot{}, fmt.Errorf("parent snapshot with cache key %s: %w", opts.ParentCacheKey, ErrNotFound)
		}
		captureOpts.Parent = parent
		defer parent.Close()
	}

	snap, err := c.cache.Capture(token, inst.internal().FS(), captureOpts)
	if err != nil {
		return Snapshot{}, mapError(err)
	}
	defer snap.Close()

	return fromInternalSnapshot(snap.Record()), nil
}

// ListSnapshots returns all indexed snapshots, newest first.
func (c *Client) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	records, err := c.cache.List(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return fromInternalSnapshotList(records), nil
}

// RemoveSnapshot deletes a snapshot by ID. Snapshots that other snapshots
// build on cannot be removed.
func (c *Client) RemoveSnapshot(ctx context.Context, id string) error {
	return mapError(c.cache.Delete(ctx, id))
}
