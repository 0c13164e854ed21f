package guestfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

const openWriteFlags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC

// File is an open guest file. All operations on it travel over its own
// stream and are serialized, so an append call lands as one unit at
// end-of-file no matter how many goroutines share the handle.
type File struct {
	fs     *FS
	stream *mux.Stream
	path   string

	mu     sync.Mutex
	closed bool
}

// Name returns the guest path the file was opened with.
func (f *File) Name() string { return f.path }

// exchange performs one request/response pair on the file's stream. The
// caller holds f.mu.
func (f *File) exchange(token *cancel.Token, op string, req protocol.FSRequest) (protocol.FSResponse, error) {
	if f.closed {
		return protocol.FSResponse{}, model.NewIOError(op, f.path, fs.ErrClosed)
	}
	if err := f.stream.SendMsg(token, req); err != nil {
		return protocol.FSResponse{}, model.NewIOError(op, f.path, err)
	}
	var resp protocol.FSResponse
	if err := f.stream.RecvMsg(token, &resp); err != nil {
		return protocol.FSResponse{}, model.NewIOError(op, f.path, err)
	}
	if err := resp.Err.Err(); err != nil {
		return protocol.FSResponse{}, model.NewIOError(op, f.path, err)
	}
	return resp, nil
}

// Read reads up to len(p) bytes at the current offset. At end of file it
// returns bare io.EOF, following the io.Reader convention.
func (f *File) Read(token *cancel.Token, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := len(p)
	if size > maxDataChunk {
		size = maxDataChunk
	}
	resp, err := f.exchange(token, "read", protocol.FSRequest{Op: protocol.FSRead, Size: uint32(size)})
	if err != nil {
		return 0, err
	}
	n := copy(p, resp.Data)
	if resp.EOF {
		return n, io.EOF
	}
	return n, nil
}

// Write writes p at the current offset (or at end-of-file when the file was
// opened for append). The whole call completes before any other operation on
// this handle runs.
func (f *File) Write(token *cancel.Token, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	written := 0
	for written < len(p) || len(p) == 0 {
		chunk := len(p) - written
		if chunk > maxDataChunk {
			chunk = maxDataChunk
		}
		resp, err := f.exchange(token, "write", protocol.FSRequest{Op: protocol.FSWrite, Data: p[written : written+chunk]})
		if err != nil {
			return written, err
		}
		written += int(resp.N)
		if int(resp.N) < chunk {
			return written, model.NewIOError("write", f.path, io.ErrShortWrite)
		}
		if len(p) == 0 {
			break
		}
	}
	return written, nil
}

// Seek sets the offset for the next read or write.
func (f *File) Seek(token *cancel.Token, offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp, err := f.exchange(token, "seek", protocol.FSRequest{Op: protocol.FSSeek, Offset: offset, Whence: int32(whence)})
	if err != nil {
		return 0, err
	}
	return resp.N, nil
}

// Sync flushes the file to guest stable storage.
func (f *File) Sync(token *cancel.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.exchange(token, "sync", protocol.FSRequest{Op: protocol.FSSync})
	return err
}

// Truncate resizes the file.
func (f *File) Truncate(token *cancel.Token, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.exchange(token, "truncate", protocol.FSRequest{Op: protocol.FSTruncate, Offset: size})
	return err
}

// Stat returns metadata for the open file.
func (f *File) Stat(token *cancel.Token) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp, err := f.exchange(token, "fstat", protocol.FSRequest{Op: protocol.FSFstat})
	if err != nil {
		return nil, err
	}
	return infoFromWire(resp.Info), nil
}

// Close releases the guest handle and its stream. Idempotent.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	// Best effort: tell the guest to close the descriptor, then drop the
	// stream either way.
	err := f.stream.SendMsg(nil, protocol.FSRequest{Op: protocol.FSClose})
	if err == nil {
		var resp protocol.FSResponse
		if rerr := f.stream.RecvMsg(nil, &resp); rerr == nil {
			err = resp.Err.Err()
		}
	}
	if cerr := f.stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return model.NewIOError("close", f.path, err)
	}
	return nil
}

// isEOF reports whether err is io.EOF, possibly wrapped as an io error.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// fileInfo adapts the wire form to fs.FileInfo.
type fileInfo struct {
	i protocol.FileInfo
}

func infoFromWire(i *protocol.FileInfo) fs.FileInfo {
	if i == nil {
		return fileInfo{}
	}
	return fileInfo{i: *i}
}

func (f fileInfo) Name() string       { return f.i.Name }
func (f fileInfo) Size() int64        { return f.i.Size }
func (f fileInfo) Mode() fs.FileMode  { return fs.FileMode(f.i.Mode) }
func (f fileInfo) ModTime() time.Time { return time.Unix(0, f.i.ModTime) }
func (f fileInfo) IsDir() bool        { return f.i.IsDir }
func (f fileInfo) Sys() any           { return nil }

// dirEntry adapts the wire form to fs.DirEntry.
type dirEntry struct {
	e protocol.DirEntry
}

func (d dirEntry) Name() string { return d.e.Name }
func (d dirEntry) IsDir() bool  { return d.e.IsDir }
func (d dirEntry) Type() fs.FileMode {
	return fs.FileMode(d.e.Mode).Type()
}
func (d dirEntry) Info() (fs.FileInfo, error) {
	return fileInfo{i: protocol.FileInfo{
		Name:  d.e.Name,
		Size:  d.e.Size,
		Mode:  d.e.Mode,
		IsDir: d.e.IsDir,
	}}, nil
}
