package snapshot

import (
	"fmt"
	"sync"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestfs"
	"github.com/guestkit/guestkit/internal/model"
)

// Snapshot is an open handle on a captured layer chain. Handles are
// reference counted: a child snapshot holds a reference on its parent, and
// an instance source holds one on the snapshot it was created from. Close
// refuses while references are held.
type Snapshot struct {
	cache  *Cache
	record model.SnapshotRecord
	parent *Snapshot

	mu     sync.Mutex
	refs   int
	closed bool
}

// ID returns the snapshot identifier.
func (s *Snapshot) ID() string { return s.record.ID }

// CacheKey returns the content-derived or override key of the snapshot.
func (s *Snapshot) CacheKey() string { return s.record.CacheKey }

// Record returns a copy of the indexed record.
func (s *Snapshot) Record() model.SnapshotRecord { return s.record }

// Parent returns the parent handle, nil for root snapshots.
func (s *Snapshot) Parent() *Snapshot { return s.parent }

func (s *Snapshot) retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

func (s *Snapshot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
}

// Close releases the handle and drops its reference on the parent. Closing
// while children or sources still reference the snapshot is an error.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.refs > 0 {
		refs := s.refs
		s.mu.Unlock()
		return fmt.Errorf("snapshot %s has %d live references: %w", s.record.ID, refs, model.ErrNotValid)
	}
	s.closed = true
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.release()
	}
	return nil
}

// Source returns an instance source seeded from the snapshot. The source
// holds a reference on the snapshot until closed.
func (s *Snapshot) Source(config model.ImageConfig) *Source {
	s.retain()
	return &Source{snapshot: s, config: config}
}

// Source seeds new instances from a snapshot chain.
type Source struct {
	snapshot *Snapshot
	config   model.ImageConfig

	mu     sync.Mutex
	closed bool
}

// Populate restores the snapshot chain into the guest root.
func (s *Source) Populate(token *cancel.Token, fsys *guestfs.FS) error {
	return s.snapshot.cache.Restore(token, fsys, s.snapshot, "/")
}

// ImageConfig returns the image configuration the source carries.
func (s *Source) ImageConfig() model.ImageConfig { return s.config }

// ID identifies the source by the snapshot cache key.
func (s *Source) ID() string { return "snapshot:" + s.snapshot.CacheKey() }

// Close drops the source's reference on the snapshot.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.snapshot.release()
	return nil
}
