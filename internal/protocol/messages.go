package protocol

import (
	"errors"
	"io/fs"
	"os"
)

// ErrCode classifies guest-side failures so the host can translate them back
// into the matching fs sentinel without parsing message text.
type ErrCode uint8

const (
	ErrNone ErrCode = iota
	ErrGeneric
	ErrNotExist
	ErrExist
	ErrNotDir
	ErrIsDir
	ErrPermission
	ErrInvalid
	ErrClosed
)

// WireError is an error crossing the guest protocol.
type WireError struct {
	Code ErrCode `cbor:"1,keyasint"`
	Msg  string  `cbor:"2,keyasint,omitempty"`
}

// Err converts a wire error back into a Go error, nil when Code is ErrNone.
func (e WireError) Err() error {
	switch e.Code {
	case ErrNone:
		return nil
	case ErrNotExist:
		return fs.ErrNotExist
	case ErrExist:
		return fs.ErrExist
	case ErrPermission:
		return fs.ErrPermission
	case ErrInvalid:
		return fs.ErrInvalid
	case ErrClosed:
		return fs.ErrClosed
	default:
		return errors.New(e.Msg)
	}
}

// WireErrorFrom classifies err for transmission.
func WireErrorFrom(err error) WireError {
	switch {
	case err == nil:
		return WireError{}
	case errors.Is(err, fs.ErrNotExist):
		return WireError{Code: ErrNotExist, Msg: err.Error()}
	case errors.Is(err, fs.ErrExist):
		return WireError{Code: ErrExist, Msg: err.Error()}
	case errors.Is(err, fs.ErrPermission):
		return WireError{Code: ErrPermission, Msg: err.Error()}
	case errors.Is(err, fs.ErrInvalid):
		return WireError{Code: ErrInvalid, Msg: err.Error()}
	case errors.Is(err, fs.ErrClosed):
		return WireError{Code: ErrClosed, Msg: err.Error()}
	default:
		return WireError{Code: ErrGeneric, Msg: err.Error()}
	}
}

// FSOp names a filesystem operation.
type FSOp uint8

const (
	FSOpen FSOp = iota + 1
	FSRead
	FSWrite
	FSSeek
	FSSync
	FSTruncate
	FSFstat
	FSClose
	FSStat
	FSLstat
	FSRemove
	FSRemoveAll
	FSMkdir
	FSMkdirAll
	FSRename
	FSSymlink
	FSReadlink
	FSReadDir
	FSChmod
	FSChown
	FSChtimes
)

// FSRequest is one filesystem exchange. Handle-bound operations travel on
// the open file's stream; path-only operations travel on a one-shot stream.
type FSRequest struct {
	Op      FSOp   `cbor:"1,keyasint"`
	Path    string `cbor:"2,keyasint,omitempty"`
	NewPath string `cbor:"3,keyasint,omitempty"`
	Flags   int32  `cbor:"4,keyasint,omitempty"`
	Mode    uint32 `cbor:"5,keyasint,omitempty"`
	Offset  int64  `cbor:"6,keyasint,omitempty"`
	Whence  int32  `cbor:"7,keyasint,omitempty"`
	Size    uint32 `cbor:"8,keyasint,omitempty"`
	Data    []byte `cbor:"9,keyasint,omitempty"`
	UID     int32  `cbor:"10,keyasint,omitempty"`
	GID     int32  `cbor:"11,keyasint,omitempty"`
	Atime   int64  `cbor:"12,keyasint,omitempty"`
	Mtime   int64  `cbor:"13,keyasint,omitempty"`
}

// FileInfo is the wire form of fs.FileInfo.
type FileInfo struct {
	Name    string `cbor:"1,keyasint"`
	Size    int64  `cbor:"2,keyasint"`
	Mode    uint32 `cbor:"3,keyasint"`
	ModTime int64  `cbor:"4,keyasint"`
	IsDir   bool   `cbor:"5,keyasint"`
}

// DirEntry is the wire form of fs.DirEntry.
type DirEntry struct {
	Name  string `cbor:"1,keyasint"`
	IsDir bool   `cbor:"2,keyasint"`
	Mode  uint32 `cbor:"3,keyasint"`
	Size  int64  `cbor:"4,keyasint"`
}

// FSResponse answers one FSRequest.
type FSResponse struct {
	Err     WireError  `cbor:"1,keyasint"`
	Data    []byte     `cbor:"2,keyasint,omitempty"`
	N       int64      `cbor:"3,keyasint,omitempty"`
	EOF     bool       `cbor:"4,keyasint,omitempty"`
	Info    *FileInfo  `cbor:"5,keyasint,omitempty"`
	Entries []DirEntry `cbor:"6,keyasint,omitempty"`
	Target  string     `cbor:"7,keyasint,omitempty"`
}

// OpenFlag constants mirror the os package open flags in a wire-stable form.
const (
	OpenRead   int32 = 1 << 0
	OpenWrite  int32 = 1 << 1
	OpenAppend int32 = 1 << 2
	OpenCreate int32 = 1 << 3
	OpenTrunc  int32 = 1 << 4
	OpenExcl   int32 = 1 << 5
)

// EncodeOpenFlags converts os package open flags to wire flags.
func EncodeOpenFlags(flag int) int32 {
	var out int32
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		out = OpenRead
	case os.O_WRONLY:
		out = OpenWrite
	case os.O_RDWR:
		out = OpenRead | OpenWrite
	}
	if flag&os.O_APPEND != 0 {
		out |= OpenAppend
	}
	if flag&os.O_CREATE != 0 {
		out |= OpenCreate
	}
	if flag&os.O_TRUNC != 0 {
		out |= OpenTrunc
	}
	if flag&os.O_EXCL != 0 {
		out |= OpenExcl
	}
	return out
}

// DecodeOpenFlags converts wire flags back to os package open flags.
func DecodeOpenFlags(flags int32) int {
	var out int
	switch {
	case flags&OpenRead != 0 && flags&OpenWrite != 0:
		out = os.O_RDWR
	case flags&OpenWrite != 0:
		out = os.O_WRONLY
	default:
		out = os.O_RDONLY
	}
	if flags&OpenAppend != 0 {
		out |= os.O_APPEND
	}
	if flags&OpenCreate != 0 {
		out |= os.O_CREATE
	}
	if flags&OpenTrunc != 0 {
		out |= os.O_TRUNC
	}
	if flags&OpenExcl != 0 {
		out |= os.O_EXCL
	}
	return out
}

// ProcRequest spawns a guest process. It is the first frame on a proc
// stream. Stdio pipe streams are opened by the host before the request and
// referenced by id; zero means the pipe was not requested.
type ProcRequest struct {
	Args         []string `cbor:"1,keyasint"`
	Dir          string   `cbor:"2,keyasint,omitempty"`
	Env          []string `cbor:"3,keyasint,omitempty"`
	User         string   `cbor:"4,keyasint,omitempty"`
	StdinStream  uint32   `cbor:"5,keyasint,omitempty"`
	StdoutStream uint32   `cbor:"6,keyasint,omitempty"`
	StderrStream uint32   `cbor:"7,keyasint,omitempty"`
}

// ProcStarted acknowledges a spawn.
type ProcStarted struct {
	Err WireError `cbor:"1,keyasint"`
	PID int32     `cbor:"2,keyasint,omitempty"`
}

// ProcExit reports process termination on the proc stream.
type ProcExit struct {
	Code   int32 `cbor:"1,keyasint"`
	Killed bool  `cbor:"2,keyasint,omitempty"`
}

// ProcKill asks the guest to terminate the process.
type ProcKill struct {
	Kill bool `cbor:"1,keyasint"`
}

// NetListenRequest binds a listener in the guest. First frame on an accept
// stream.
type NetListenRequest struct {
	Network string `cbor:"1,keyasint"`
	Address string `cbor:"2,keyasint"`
}

// NetListenResponse answers a bind request.
type NetListenResponse struct {
	Err       WireError `cbor:"1,keyasint"`
	BoundAddr string    `cbor:"2,keyasint,omitempty"`
}

// NetInbound announces an accepted guest connection. The guest has already
// opened the referenced data stream for it.
type NetInbound struct {
	StreamID   uint32 `cbor:"1,keyasint"`
	RemoteAddr string `cbor:"2,keyasint,omitempty"`
}
