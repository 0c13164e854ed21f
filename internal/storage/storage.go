// Package storage defines persistence for the snapshot layer cache: a
// content-addressed blob store for layer payloads and a repository for the
// snapshot index.
package storage

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/guestkit/guestkit/internal/model"
)

// LayerStore is content-addressed storage for layer blobs. A blob is keyed
// by the digest of its uncompressed content; storing the same content twice
// is a no-op.
type LayerStore interface {
	// Put stores the blob under dgst. The reader supplies the uncompressed
	// content.
	Put(ctx context.Context, dgst digest.Digest, r io.Reader) error
	// Get opens the blob for dgst. Missing blobs return model.ErrNotFound.
	Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)
	// Has reports whether the blob exists.
	Has(ctx context.Context, dgst digest.Digest) (bool, error)
	// Delete removes the blob. Missing blobs return model.ErrNotFound.
	Delete(ctx context.Context, dgst digest.Digest) error
}

// SnapshotRepository is the interface for snapshot index persistence.
type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, s model.SnapshotRecord) error
	GetSnapshot(ctx context.Context, id string) (*model.SnapshotRecord, error)
	GetSnapshotByCacheKey(ctx context.Context, cacheKey string) (*model.SnapshotRecord, error)
	ListSnapshots(ctx context.Context) ([]model.SnapshotRecord, error)
	DeleteSnapshot(ctx context.Context, id string) error
}
