package model

import (
	"fmt"
	"time"
)

// SnapshotRecord is the persisted index entry for a captured filesystem
// layer. The layer payload lives in the blob store keyed by LayerDigest;
// the record carries the metadata needed for lookup, listing and garbage
// collection.
type SnapshotRecord struct {
	ID string
	// CacheKey identifies the snapshot for reuse. Identical content,
	// excludes and parent always produce the same key.
	CacheKey string
	// ParentKey is the cache key of the parent snapshot, empty for roots.
	ParentKey string
	// LayerDigest addresses the layer blob in the store.
	LayerDigest string
	Excludes    []string
	SizeBytes   int64
	Entries     int
	CreatedAt   time.Time
}

// Validate validates the snapshot record.
func (r SnapshotRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("snapshot id is required: %w", ErrNotValid)
	}
	if r.CacheKey == "" {
		return fmt.Errorf("snapshot cache key is required: %w", ErrNotValid)
	}
	if r.LayerDigest == "" {
		return fmt.Errorf("snapshot layer digest is required: %w", ErrNotValid)
	}
	if r.SizeBytes < 0 {
		return fmt.Errorf("size cannot be negative: %w", ErrNotValid)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required: %w", ErrNotValid)
	}
	return nil
}
