package agent

import (
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// serveFile handles one file stream: either a single path operation, or an
// open followed by handle operations until close.
func (a *Agent) serveFile(s *mux.Stream) {
	defer s.Close()

	var req protocol.FSRequest
	if err := s.RecvMsg(nil, &req); err != nil {
		return
	}

	if req.Op == protocol.FSOpen {
		a.serveOpenFile(s, req)
		return
	}

	resp := a.pathOp(req)
	s.SendMsg(nil, resp)
}

// serveOpenFile opens the file and answers handle operations on the same
// stream for the life of the descriptor.
func (a *Agent) serveOpenFile(s *mux.Stream, open protocol.FSRequest) {
	f, err := os.OpenFile(a.rooted(open.Path), protocol.DecodeOpenFlags(open.Flags), fs.FileMode(open.Mode))
	if err != nil {
		s.SendMsg(nil, protocol.FSResponse{Err: protocol.WireErrorFrom(err)})
		return
	}
	defer f.Close()

	if err := s.SendMsg(nil, protocol.FSResponse{}); err != nil {
		return
	}

	for {
		var req protocol.FSRequest
		if err := s.RecvMsg(nil, &req); err != nil {
			return
		}

		var resp protocol.FSResponse
		switch req.Op {
		case protocol.FSRead:
			buf := make([]byte, req.Size)
			n, rerr := f.Read(buf)
			resp.Data = buf[:n]
			resp.N = int64(n)
			if rerr == io.EOF {
				resp.EOF = true
			} else if rerr != nil {
				resp.Err = protocol.WireErrorFrom(rerr)
			}
		case protocol.FSWrite:
			// An O_APPEND descriptor makes each write a single atomic
			// end-of-file write at the kernel level.
			n, werr := f.Write(req.Data)
			resp.N = int64(n)
			resp.Err = protocol.WireErrorFrom(werr)
		case protocol.FSSeek:
			off, serr := f.Seek(req.Offset, int(req.Whence))
			resp.N = off
			resp.Err = protocol.WireErrorFrom(serr)
		case protocol.FSSync:
			resp.Err = protocol.WireErrorFrom(f.Sync())
		case protocol.FSTruncate:
			resp.Err = protocol.WireErrorFrom(f.Truncate(req.Offset))
		case protocol.FSFstat:
			info, ferr := f.Stat()
			if ferr != nil {
				resp.Err = protocol.WireErrorFrom(ferr)
			} else {
				resp.Info = infoToWire(info)
			}
		case protocol.FSClose:
			resp.Err = protocol.WireErrorFrom(f.Close())
			s.SendMsg(nil, resp)
			return
		default:
			resp.Err = protocol.WireErrorFrom(fs.ErrInvalid)
		}

		if err := s.SendMsg(nil, resp); err != nil {
			return
		}
	}
}

// pathOp executes a one-shot path operation.
func (a *Agent) pathOp(req protocol.FSRequest) protocol.FSResponse {
	var resp protocol.FSResponse
	path := a.rooted(req.Path)

	switch req.Op {
	case protocol.FSStat:
		info, err := os.Stat(path)
		if err != nil {
			resp.Err = protocol.WireErrorFrom(err)
		} else {
			resp.Info = infoToWire(info)
		}
	case protocol.FSLstat:
		info, err := os.Lstat(path)
		if err != nil {
			resp.Err = protocol.WireErrorFrom(err)
		} else {
			resp.Info = infoToWire(info)
		}
	case protocol.FSReadDir:
		entries, err := os.ReadDir(path)
		if err != nil {
			resp.Err = protocol.WireErrorFrom(err)
			break
		}
		for _, e := range entries {
			wire := protocol.DirEntry{Name: e.Name(), IsDir: e.IsDir(), Mode: uint32(e.Type())}
			if info, ierr := e.Info(); ierr == nil {
				wire.Mode = uint32(info.Mode())
				wire.Size = info.Size()
			}
			resp.Entries = append(resp.Entries, wire)
		}
	case protocol.FSMkdir:
		resp.Err = protocol.WireErrorFrom(os.Mkdir(path, fs.FileMode(req.Mode)))
	case protocol.FSMkdirAll:
		resp.Err = protocol.WireErrorFrom(os.MkdirAll(path, fs.FileMode(req.Mode)))
	case protocol.FSRemove:
		resp.Err = protocol.WireErrorFrom(os.Remove(path))
	case protocol.FSRemoveAll:
		resp.Err = protocol.WireErrorFrom(os.RemoveAll(path))
	case protocol.FSRename:
		resp.Err = protocol.WireErrorFrom(os.Rename(path, a.rooted(req.NewPath)))
	case protocol.FSSymlink:
		// The link target is stored verbatim; only the link itself is rooted.
		resp.Err = protocol.WireErrorFrom(os.Symlink(req.NewPath, path))
	case protocol.FSReadlink:
		target, err := os.Readlink(path)
		resp.Target = target
		resp.Err = protocol.WireErrorFrom(err)
	case protocol.FSChmod:
		resp.Err = protocol.WireErrorFrom(os.Chmod(path, fs.FileMode(req.Mode)))
	case protocol.FSChown:
		resp.Err = protocol.WireErrorFrom(os.Chown(path, int(req.UID), int(req.GID)))
	case protocol.FSChtimes:
		resp.Err = protocol.WireErrorFrom(os.Chtimes(path, time.Unix(0, req.Atime), time.Unix(0, req.Mtime)))
	default:
		resp.Err = protocol.WireErrorFrom(fs.ErrInvalid)
	}

	return resp
}

func infoToWire(info fs.FileInfo) *protocol.FileInfo {
	return &protocol.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    uint32(info.Mode()),
		ModTime: info.ModTime().UnixNano(),
		IsDir:   info.IsDir(),
	}
}
