// Package protocol defines the versioned wire protocol between the host
// runtime and a guest agent: the frame header carried on the single physical
// connection, the stream kinds multiplexed over it, and the CBOR payloads
// exchanged by the filesystem, process and network proxies.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the protocol version spoken by this runtime. The version is
// negotiated once at connection start; a mismatch is fatal with no
// degraded-compatibility mode.
const Version uint32 = 1

// MaxFramePayload bounds a single frame. Larger transfers are chunked by the
// sender so one stream can never monopolize the connection.
const MaxFramePayload = 256 * 1024

// HeaderSize is the fixed size of an encoded frame header.
const HeaderSize = 12

// StreamKind tags a logical stream with the flow it carries.
type StreamKind uint8

const (
	// KindControl is stream 0: handshake, stream lifecycle, window updates
	// and instance-level control messages.
	KindControl StreamKind = iota
	// KindFile carries file I/O for one open file handle, or a single
	// one-shot path operation.
	KindFile
	// KindStdio carries one stdio pipe of a guest process.
	KindStdio
	// KindProc carries process control: spawn request, kill, exit report.
	KindProc
	// KindAccept carries a guest-side listener: bind request and inbound
	// connection announcements.
	KindAccept
	// KindData carries the bytes of one proxied network connection.
	KindData
)

func (k StreamKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindFile:
		return "file"
	case KindStdio:
		return "stdio"
	case KindProc:
		return "proc"
	case KindAccept:
		return "accept"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame flags.
const (
	// FlagEndStream marks the last frame the sender will emit on a stream.
	FlagEndStream uint8 = 1 << 0
)

// Header is the fixed preamble of every frame: stream id, kind tag, flags
// and payload length. Encoded big-endian in 12 bytes.
type Header struct {
	StreamID uint32
	Kind     StreamKind
	Flags    uint8
	Length   uint32
}

// WriteHeader encodes h to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.StreamID)
	buf[4] = uint8(h.Kind)
	buf[5] = h.Flags
	// buf[6:8] reserved.
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader decodes a header from r, validating the payload bound.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		StreamID: binary.BigEndian.Uint32(buf[0:4]),
		Kind:     StreamKind(buf[4]),
		Flags:    buf[5],
		Length:   binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.Length > MaxFramePayload {
		return Header{}, fmt.Errorf("frame payload %d exceeds limit %d", h.Length, MaxFramePayload)
	}
	return h, nil
}
