// Package memory provides in-memory implementations of the storage
// interfaces, used by tests and as reference behavior.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/guestkit/guestkit/internal/model"
)

// LayerStore is an in-memory storage.LayerStore.
type LayerStore struct {
	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
}

// NewLayerStore creates a new in-memory layer store.
func NewLayerStore() *LayerStore {
	return &LayerStore{blobs: map[digest.Digest][]byte{}}
}

// Put satisfies storage.LayerStore.
func (s *LayerStore) Put(ctx context.Context, dgst digest.Digest, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("could not read blob: %w", err)
	}
	if digest.FromBytes(data) != dgst {
		return fmt.Errorf("content does not match digest %s: %w", dgst, model.ErrNotValid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[dgst] = data
	return nil
}

// Get satisfies storage.LayerStore.
func (s *LayerStore) Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[dgst]
	if !ok {
		return nil, fmt.Errorf("layer %s: %w", dgst, model.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Has satisfies storage.LayerStore.
func (s *LayerStore) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[dgst]
	return ok, nil
}

// Delete satisfies storage.LayerStore.
func (s *LayerStore) Delete(ctx context.Context, dgst digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[dgst]; !ok {
		return fmt.Errorf("layer %s: %w", dgst, model.ErrNotFound)
	}
	delete(s.blobs, dgst)
	return nil
}

// SnapshotRepository is an in-memory storage.SnapshotRepository.
type SnapshotRepository struct {
	mu    sync.RWMutex
	byID  map[string]model.SnapshotRecord
	byKey map[string]string
}

// NewSnapshotRepository creates a new in-memory snapshot repository.
func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{
		byID:  map[string]model.SnapshotRecord{},
		byKey: map[string]string{},
	}
}

// CreateSnapshot satisfies storage.SnapshotRepository.
func (r *SnapshotRepository) CreateSnapshot(ctx context.Context, s model.SnapshotRecord) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("snapshot %s: %w", s.ID, model.ErrAlreadyExists)
	}
	if _, ok := r.byKey[s.CacheKey]; ok {
		return fmt.Errorf("snapshot with cache key %s: %w", s.CacheKey, model.ErrAlreadyExists)
	}
	r.byID[s.ID] = s
	r.byKey[s.CacheKey] = s.ID
	return nil
}

// GetSnapshot satisfies storage.SnapshotRepository.
func (r *SnapshotRepository) GetSnapshot(ctx context.Context, id string) (*model.SnapshotRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, model.ErrNotFound)
	}
	return &s, nil
}

// GetSnapshotByCacheKey satisfies storage.SnapshotRepository.
func (r *SnapshotRepository) GetSnapshotByCacheKey(ctx context.Context, cacheKey string) (*model.SnapshotRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[cacheKey]
	if !ok {
		return nil, fmt.Errorf("snapshot with cache key %s: %w", cacheKey, model.ErrNotFound)
	}
	s := r.byID[id]
	return &s, nil
}

// ListSnapshots satisfies storage.SnapshotRepository. Results are ordered by
// creation time, newest first.
func (r *SnapshotRepository) ListSnapshots(ctx context.Context) ([]model.SnapshotRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.SnapshotRecord, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteSnapshot satisfies storage.SnapshotRepository.
func (r *SnapshotRepository) DeleteSnapshot(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("snapshot %s: %w", id, model.ErrNotFound)
	}
	delete(r.byID, id)
	delete(r.byKey, s.CacheKey)
	return nil
}
