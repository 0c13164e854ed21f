package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestfs"
	"github.com/guestkit/guestkit/internal/model"
)

// Dir is a source backed by a host directory.
type Dir struct {
	path   string
	config model.ImageConfig
}

// NewDir creates a directory source. The directory becomes the guest root.
func NewDir(path string, config model.ImageConfig) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("could not stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %q is not a directory: %w", path, model.ErrNotValid)
	}
	return &Dir{path: abs, config: config}, nil
}

// Populate satisfies Source.
func (d *Dir) Populate(token *cancel.Token, fsys *guestfs.FS) error {
	return filepath.WalkDir(d.path, func(hostPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.path, hostPath)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		guestPath := "/" + filepath.ToSlash(rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return fsys.MkdirAll(token, guestPath, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(hostPath)
			if err != nil {
				return err
			}
			return fsys.Symlink(token, target, guestPath)
		case info.Mode().IsRegular():
			data, err := os.ReadFile(hostPath)
			if err != nil {
				return err
			}
			return fsys.WriteFile(token, guestPath, data, info.Mode().Perm())
		default:
			// Devices, sockets and the like are skipped.
			return nil
		}
	})
}

// ImageConfig satisfies Source.
func (d *Dir) ImageConfig() model.ImageConfig { return d.config }

// ID satisfies Source.
func (d *Dir) ID() string { return "dir:" + d.path }

// Close satisfies Source.
func (d *Dir) Close() error { return nil }
