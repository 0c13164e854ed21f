// Package guestfs exposes the guest's filesystem to the host with an os
// package shaped API. Path operations travel on one-shot streams; every open
// file owns a dedicated stream for the life of the handle. All failures are
// reported as io errors carrying the operation name and guest path.
package guestfs

import (
	"io/fs"
	"time"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// maxDataChunk bounds the data carried by one filesystem exchange, leaving
// room for the CBOR envelope inside the frame limit.
const maxDataChunk = 192 * 1024

// FS proxies filesystem operations to a running guest.
type FS struct {
	conn   *mux.Conn
	logger log.Logger
}

// New returns a filesystem proxy on conn.
func New(conn *mux.Conn, logger log.Logger) *FS {
	if logger == nil {
		logger = log.Noop
	}
	return &FS{
		conn:   conn,
		logger: logger.WithValues(log.Kv{"svc": "guestfs.FS"}),
	}
}

// exchange performs one path operation on a fresh stream.
func (f *FS) exchange(token *cancel.Token, op string, req protocol.FSRequest) (protocol.FSResponse, error) {
	s, err := f.conn.OpenStream(token, protocol.KindFile)
	if err != nil {
		return protocol.FSResponse{}, model.NewIOError(op, req.Path, err)
	}
	defer s.Close()

	if err := s.SendMsg(token, req); err != nil {
		return protocol.FSResponse{}, model.NewIOError(op, req.Path, err)
	}
	var resp protocol.FSResponse
	if err := s.RecvMsg(token, &resp); err != nil {
		return protocol.FSResponse{}, model.NewIOError(op, req.Path, err)
	}
	if err := resp.Err.Err(); err != nil {
		return protocol.FSResponse{}, model.NewIOError(op, req.Path, err)
	}
	return resp, nil
}

// Open opens a file for reading.
func (f *FS) Open(token *cancel.Token, path string) (*File, error) {
	return f.OpenFile(token, path, 0, 0) // 0 == os.O_RDONLY
}

// Create truncates or creates a file for writing.
func (f *FS) Create(token *cancel.Token, path string) (*File, error) {
	return f.OpenFile(token, path, openWriteFlags, 0o666)
}

// OpenFile opens path with os package flag and permission semantics. The
// returned file owns a stream that lives until Close.
func (f *FS) OpenFile(token *cancel.Token, path string, flag int, perm fs.FileMode) (*File, error) {
	s, err := f.conn.OpenStream(token, protocol.KindFile)
	if err != nil {
		return nil, model.NewIOError("open", path, err)
	}

	req := protocol.FSRequest{
		Op:    protocol.FSOpen,
		Path:  path,
		Flags: protocol.EncodeOpenFlags(flag),
		Mode:  uint32(perm.Perm()),
	}
	if err := s.SendMsg(token, req); err != nil {
		s.Close()
		return nil, model.NewIOError("open", path, err)
	}
	var resp protocol.FSResponse
	if err := s.RecvMsg(token, &resp); err != nil {
		s.Close()
		return nil, model.NewIOError("open", path, err)
	}
	if err := resp.Err.Err(); err != nil {
		s.Close()
		return nil, model.NewIOError("open", path, err)
	}

	return &File{fs: f, stream: s, path: path}, nil
}

// Stat follows symlinks.
func (f *FS) Stat(token *cancel.Token, path string) (fs.FileInfo, error) {
	resp, err := f.exchange(token, "stat", protocol.FSRequest{Op: protocol.FSStat, Path: path})
	if err != nil {
		return nil, err
	}
	return infoFromWire(resp.Info), nil
}

// Lstat does not follow symlinks.
func (f *FS) Lstat(token *cancel.Token, path string) (fs.FileInfo, error) {
	resp, err := f.exchange(token, "lstat", protocol.FSRequest{Op: protocol.FSLstat, Path: path})
	if err != nil {
		return nil, err
	}
	return infoFromWire(resp.Info), nil
}

// ReadDir lists a directory, sorted by name as the guest returns it.
func (f *FS) ReadDir(token *cancel.Token, path string) ([]fs.DirEntry, error) {
	resp, err := f.exchange(token, "readdir", protocol.FSRequest{Op: protocol.FSReadDir, Path: path})
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		entries = append(entries, dirEntry{e: e})
	}
	return entries, nil
}

// Mkdir creates one directory.
func (f *FS) Mkdir(token *cancel.Token, path string, perm fs.FileMode) error {
	_, err := f.exchange(token, "mkdir", protocol.FSRequest{Op: protocol.FSMkdir, Path: path, Mode: uint32(perm.Perm())})
	return err
}

// MkdirAll creates a directory and any missing parents.
func (f *FS) MkdirAll(token *cancel.Token, path string, perm fs.FileMode) error {
	_, err := f.exchange(token, "mkdirall", protocol.FSRequest{Op: protocol.FSMkdirAll, Path: path, Mode: uint32(perm.Perm())})
	return err
}

// Remove removes a file or empty directory.
func (f *FS) Remove(token *cancel.Token, path string) error {
	_, err := f.exchange(token, "remove", protocol.FSRequest{Op: protocol.FSRemove, Path: path})
	return err
}

// RemoveAll removes path and everything under it.
func (f *FS) RemoveAll(token *cancel.Token, path string) error {
	_, err := f.exchange(token, "removeall", protocol.FSRequest{Op: protocol.FSRemoveAll, Path: path})
	return err
}

// Rename moves oldPath to newPath.
func (f *FS) Rename(token *cancel.Token, oldPath, newPath string) error {
	_, err := f.exchange(token, "rename", protocol.FSRequest{Op: protocol.FSRename, Path: oldPath, NewPath: newPath})
	return err
}

// Symlink creates newPath pointing at target.
func (f *FS) Symlink(token *cancel.Token, target, newPath string) error {
	_, err := f.exchange(token, "symlink", protocol.FSRequest{Op: protocol.FSSymlink, Path: newPath, NewPath: target})
	return err
}

// Readlink returns the target of a symlink.
func (f *FS) Readlink(token *cancel.Token, path string) (string, error) {
	resp, err := f.exchange(token, "readlink", protocol.FSRequest{Op: protocol.FSReadlink, Path: path})
	if err != nil {
		return "", err
	}
	return resp.Target, nil
}

// Chmod changes the mode of path.
func (f *FS) Chmod(token *cancel.Token, path string, mode fs.FileMode) error {
	_, err := f.exchange(token, "chmod", protocol.FSRequest{Op: protocol.FSChmod, Path: path, Mode: uint32(mode.Perm())})
	return err
}

// Chown changes the owner of path.
func (f *FS) Chown(token *cancel.Token, path string, uid, gid int) error {
	_, err := f.exchange(token, "chown", protocol.FSRequest{Op: protocol.FSChown, Path: path, UID: int32(uid), GID: int32(gid)})
	return err
}

// Chtimes changes access and modification times of path.
func (f *FS) Chtimes(token *cancel.Token, path string, atime, mtime time.Time) error {
	_, err := f.exchange(token, "chtimes", protocol.FSRequest{
		Op:    protocol.FSChtimes,
		Path:  path,
		Atime: atime.UnixNano(),
		Mtime: mtime.UnixNano(),
	})
	return err
}

// ReadFile reads a whole file.
func (f *FS) ReadFile(token *cancel.Token, path string) ([]byte, error) {
	file, err := f.Open(token, path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []byte
	buf := make([]byte, maxDataChunk)
	for {
		n, err := file.Read(token, buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if isEOF(err) {
				return out, nil
			}
			return nil, err
		}
	}
}

// WriteFile writes data to path, creating or truncating it.
func (f *FS) WriteFile(token *cancel.Token, path string, data []byte, perm fs.FileMode) error {
	file, err := f.OpenFile(token, path, openWriteFlags, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(token, data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
