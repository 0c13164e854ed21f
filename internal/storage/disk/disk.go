// Package disk is a content-addressed layer blob store on the local
// filesystem. Blobs are zstd compressed and laid out as
// <dir>/<algorithm>/<hex>, written through a temp file and renamed so a
// partially written blob is never visible under its digest.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
)

// StoreConfig is the configuration for the disk store.
type StoreConfig struct {
	// Dir is the blob root directory. Required.
	Dir string
	// Logger defaults to noop.
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Disk"})
	return nil
}

// Store is a disk implementation of storage.LayerStore.
type Store struct {
	dir    string
	logger log.Logger
}

// NewStore creates a new disk store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create blob directory: %w", err)
	}
	return &Store{dir: cfg.Dir, logger: cfg.Logger}, nil
}

func (s *Store) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.dir, dgst.Algorithm().String(), dgst.Encoded())
}

// Put satisfies storage.LayerStore.
func (s *Store) Put(ctx context.Context, dgst digest.Digest, r io.Reader) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("invalid digest: %w", model.ErrNotValid)
	}

	path := s.blobPath(dgst)
	if _, err := os.Stat(path); err == nil {
		// Content addressed: already having the blob is success.
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create algorithm directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return fmt.Errorf("could not create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	// Verify the content matches the claimed digest while compressing.
	verifier := dgst.Verifier()
	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("could not create compressor: %w", err)
	}
	if _, err := io.Copy(io.MultiWriter(zw, verifier), r); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("could not write blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("could not flush compressor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp blob: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("content does not match digest %s: %w", dgst, model.ErrNotValid)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("could not commit blob: %w", err)
	}

	s.logger.Debugf("Stored layer blob %s", dgst)
	return nil
}

// Get satisfies storage.LayerStore.
func (s *Store) Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("layer %s: %w", dgst, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not open blob: %w", err)
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not create decompressor: %w", err)
	}

	return &blobReader{zr: zr, f: f}, nil
}

// Has satisfies storage.LayerStore.
func (s *Store) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := os.Stat(s.blobPath(dgst))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("could not stat blob: %w", err)
}

// Delete satisfies storage.LayerStore.
func (s *Store) Delete(ctx context.Context, dgst digest.Digest) error {
	err := os.Remove(s.blobPath(dgst))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("layer %s: %w", dgst, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("could not delete blob: %w", err)
	}
	s.logger.Debugf("Deleted layer blob %s", dgst)
	return nil
}

type blobReader struct {
	zr *zstd.Decoder
	f  *os.File
}

func (b *blobReader) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *blobReader) Close() error {
	b.zr.Close()
	return b.f.Close()
}
