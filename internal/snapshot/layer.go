// Package snapshot implements the content-addressed snapshot and layer
// cache. A snapshot captures a guest tree through the filesystem proxy as a
// layer diffed against its parent; identical content under identical
// excludes and parent always yields the same cache key, so repeated
// captures and builds reuse stored layers instead of recreating them.
package snapshot

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/codec"
	"github.com/guestkit/guestkit/internal/guestfs"
)

// EntryKind is the type of a layer entry.
type EntryKind uint8

const (
	// EntryRegular is a regular file with payload.
	EntryRegular EntryKind = iota + 1
	// EntryDirectory is a directory.
	EntryDirectory
	// EntrySymlink is a symbolic link.
	EntrySymlink
	// EntryDeleted is a whiteout: the path existed in the parent chain and
	// is gone in this layer.
	EntryDeleted
)

// Entry is one path in a layer. Entries are ordered by path, so a layer's
// manifest is deterministic.
type Entry struct {
	Path   string    `cbor:"1,keyasint"`
	Kind   EntryKind `cbor:"2,keyasint"`
	Mode   uint32    `cbor:"3,keyasint,omitempty"`
	Size   int64     `cbor:"4,keyasint,omitempty"`
	Target string    `cbor:"5,keyasint,omitempty"`
	// ContentHash is the blake3 hash of the file payload. It stands in for
	// the payload in the manifest, so content digests never re-read data.
	ContentHash []byte `cbor:"6,keyasint,omitempty"`
	// Data is the file payload. Present in stored blobs, cleared in
	// manifests.
	Data []byte `cbor:"7,keyasint,omitempty"`
}

// Layer is an ordered set of entries, diffed against the parent chain.
type Layer struct {
	Entries []Entry `cbor:"1,keyasint"`
}

// manifestDigest digests a layer with payloads stripped; the blake3 content
// hashes carry the file contents into the digest.
func manifestDigest(layer Layer) (digest.Digest, error) {
	manifest := Layer{Entries: make([]Entry, len(layer.Entries))}
	for i, e := range layer.Entries {
		e.Data = nil
		manifest.Entries[i] = e
	}
	raw, err := codec.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("could not encode manifest: %w", err)
	}
	return digest.FromBytes(raw), nil
}

// cacheKeyFor derives the snapshot cache key from the parent key, the layer
// content digest and the sorted exclude patterns. Any difference in the
// triple yields a different key.
func cacheKeyFor(parentKey string, content digest.Digest, excludes []string) digest.Digest {
	sorted := append([]string(nil), excludes...)
	sort.Strings(sorted)
	return digest.FromString(parentKey + "\x00" + content.String() + "\x00" + strings.Join(sorted, ","))
}

// excluded reports whether rel (a slash path relative to the capture root)
// matches any exclude glob. Patterns match the whole relative path or the
// base name.
func excluded(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}

// captureTree walks the guest tree under dir and returns the full entry set
// ordered by path. Excluded paths are pruned together with everything under
// them.
func captureTree(token *cancel.Token, fsys *guestfs.FS, dir string, excludes []string) ([]Entry, error) {
	var entries []Entry

	var walk func(guestPath, rel string) error
	walk = func(guestPath, rel string) error {
		list, err := fsys.ReadDir(token, guestPath)
		if err != nil {
			return err
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })

		for _, de := range list {
			childRel := de.Name()
			if rel != "" {
				childRel = rel + "/" + de.Name()
			}
			if excluded(childRel, excludes) {
				continue
			}
			childPath := path.Join(guestPath, de.Name())

			info, err := fsys.Lstat(token, childPath)
			if err != nil {
				return err
			}
			mode := uint32(info.Mode())

			switch {
			case info.IsDir():
				entries = append(entries, Entry{Path: childRel, Kind: EntryDirectory, Mode: mode})
				if err := walk(childPath, childRel); err != nil {
					return err
				}
			case info.Mode()&fs.ModeSymlink != 0:
				target, err := fsys.Readlink(token, childPath)
				if err != nil {
					return err
				}
				entries = append(entries, Entry{Path: childRel, Kind: EntrySymlink, Mode: mode, Target: target})
			case info.Mode().IsRegular():
				data, err := fsys.ReadFile(token, childPath)
				if err != nil {
					return err
				}
				sum := blake3.Sum256(data)
				entries = append(entries, Entry{
					Path:        childRel,
					Kind:        EntryRegular,
					Mode:        mode,
					Size:        int64(len(data)),
					ContentHash: sum[:],
					Data:        data,
				})
			}
		}
		return nil
	}

	if err := walk(dir, ""); err != nil {
		return nil, err
	}
	return entries, nil
}

// diffLayer reduces a full tree against the cumulative parent state,
// keeping added and changed entries and emitting whiteouts for removals.
func diffLayer(parent map[string]Entry, full []Entry) Layer {
	var out []Entry
	seen := make(map[string]bool, len(full))

	for _, e := range full {
		seen[e.Path] = true
		prev, ok := parent[e.Path]
		if ok && sameEntry(prev, e) {
			continue
		}
		out = append(out, e)
	}

	var deleted []string
	for p := range parent {
		if !seen[p] {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(deleted)
	for _, p := range deleted {
		out = append(out, Entry{Path: p, Kind: EntryDeleted})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return Layer{Entries: out}
}

func sameEntry(a, b Entry) bool {
	if a.Kind != b.Kind || a.Mode != b.Mode || a.Target != b.Target || a.Size != b.Size {
		return false
	}
	return string(a.ContentHash) == string(b.ContentHash)
}

// foldState applies a layer onto a cumulative path state.
func foldState(state map[string]Entry, layer Layer) {
	for _, e := range layer.Entries {
		if e.Kind == EntryDeleted {
			delete(state, e.Path)
			// Children of a deleted directory are gone too.
			prefix := e.Path + "/"
			for p := range state {
				if strings.HasPrefix(p, prefix) {
					delete(state, p)
				}
			}
			continue
		}
		manifest := e
		manifest.Data = nil
		state[e.Path] = manifest
	}
}

// applyLayer writes a layer into a guest tree under dir. Entries are
// ordered by path, so directories always land before their children.
func applyLayer(token *cancel.Token, fsys *guestfs.FS, dir string, layer Layer) error {
	if err := fsys.MkdirAll(token, dir, 0o755); err != nil {
		return err
	}
	for _, e := range layer.Entries {
		guestPath := path.Join(dir, e.Path)
		switch e.Kind {
		case EntryDeleted:
			if err := fsys.RemoveAll(token, guestPath); err != nil {
				return err
			}
		case EntryDirectory:
			if err := fsys.MkdirAll(token, guestPath, fs.FileMode(e.Mode).Perm()); err != nil {
				return err
			}
		case EntrySymlink:
			fsys.Remove(token, guestPath)
			if err := fsys.Symlink(token, e.Target, guestPath); err != nil {
				return err
			}
		case EntryRegular:
			if err := fsys.WriteFile(token, guestPath, e.Data, fs.FileMode(e.Mode).Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeLayer reads a stored layer blob.
func decodeLayer(r io.Reader) (Layer, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Layer{}, fmt.Errorf("could not read layer blob: %w", err)
	}
	var layer Layer
	if err := codec.Unmarshal(raw, &layer); err != nil {
		return Layer{}, fmt.Errorf("could not decode layer blob: %w", err)
	}
	return layer, nil
}
