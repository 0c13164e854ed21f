package source

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestfs"
	"github.com/guestkit/guestkit/internal/model"
)

// Tar is a source backed by a tar archive file, e.g. an exported container
// filesystem.
type Tar struct {
	path   string
	id     string
	config model.ImageConfig
}

// NewTar creates a tar archive source. The archive is digested up front so
// the source ID reflects its content, not its path.
func NewTar(path string, config model.ImageConfig) (*Tar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open archive: %w", err)
	}
	defer f.Close()

	dgst, err := digest.FromReader(f)
	if err != nil {
		return nil, fmt.Errorf("could not digest archive: %w", err)
	}

	return &Tar{path: path, id: "tar:" + dgst.String(), config: config}, nil
}

// Populate satisfies Source.
func (t *Tar) Populate(token *cancel.Token, fsys *guestfs.FS) error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("could not open archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not read archive: %w", err)
		}

		name := path.Clean("/" + strings.TrimPrefix(hdr.Name, "./"))
		if name == "/" {
			continue
		}
		mode := fs.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(token, name, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := fsys.Symlink(token, hdr.Linkname, name); err != nil {
				return err
			}
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("could not read %s from archive: %w", name, err)
			}
			if err := fsys.WriteFile(token, name, data, mode); err != nil {
				return err
			}
		}
	}
}

// ImageConfig satisfies Source.
func (t *Tar) ImageConfig() model.ImageConfig { return t.config }

// ID satisfies Source.
func (t *Tar) ID() string { return t.id }

// Close satisfies Source.
func (t *Tar) Close() error { return nil }
