package mux

import (
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/codec"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/protocol"
)

// Stream is one logical conversation multiplexed over the connection.
// Reads drain a bounded receive buffer refilled by the connection's read
// loop; writes spend send credit granted by the peer, so a stalled reader on
// the far side backpressures only this stream.
type Stream struct {
	conn *Conn
	id   uint32
	kind protocol.StreamKind

	mu sync.Mutex
	// recvQ keeps frame boundaries so message reads can pop exactly one
	// frame while byte reads drain across frames.
	recvQ        [][]byte
	recvOff      int // consumed prefix of recvQ[0]
	consumed     int // bytes drained since the last window update
	remoteClosed bool
	localClosed  bool
	failErr      error

	sendCredit int

	// readable and writable are capacity-1 wakeup channels. State changes
	// kick them; waiters re-check state under mu.
	readable chan struct{}
	writable chan struct{}
}

func newStream(c *Conn, id uint32, kind protocol.StreamKind) *Stream {
	return &Stream{
		conn:       c,
		id:         id,
		kind:       kind,
		sendCredit: c.cfg.Window,
		readable:   make(chan struct{}, 1),
		writable:   make(chan struct{}, 1),
	}
}

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.id }

// Kind returns the stream kind.
func (s *Stream) Kind() protocol.StreamKind { return s.kind }

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// deliver is called by the connection read loop with one frame payload.
func (s *Stream) deliver(payload []byte, end bool) {
	s.mu.Lock()
	if s.failErr == nil && !s.localClosed && len(payload) > 0 {
		s.recvQ = append(s.recvQ, payload)
	}
	if end {
		s.remoteClosed = true
	}
	s.mu.Unlock()
	kick(s.readable)
}

// remoteClose marks the peer's direction finished. Buffered data remains
// readable; reads past it return EOF.
func (s *Stream) remoteClose() {
	s.mu.Lock()
	s.remoteClosed = true
	s.mu.Unlock()
	kick(s.readable)
}

// teardown fails the stream with the connection's error.
func (s *Stream) teardown(err error) {
	s.mu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.mu.Unlock()
	kick(s.readable)
	kick(s.writable)
}

// addCredit applies a peer window update.
func (s *Stream) addCredit(n int) {
	s.mu.Lock()
	s.sendCredit += n
	s.mu.Unlock()
	kick(s.writable)
}

// maybeUpdateWindow grants the peer fresh credit once half the window has
// been drained, batching updates instead of acking every read.
func (s *Stream) maybeUpdateWindow() {
	s.mu.Lock()
	if s.consumed < s.conn.cfg.Window/2 || s.remoteClosed {
		s.mu.Unlock()
		return
	}
	credit := s.consumed
	s.consumed = 0
	s.mu.Unlock()

	s.conn.sendControl(protocol.Control{
		Type:     protocol.ControlWindowUpdate,
		StreamID: s.id,
		Credit:   uint32(credit),
	})
}

// Read drains buffered bytes, blocking until data arrives, the peer ends
// the stream (io.EOF), the token fires, or the stream fails.
func (s *Stream) Read(token *cancel.Token, p []byte) (int, error) {
	if err := token.Err(); err != nil {
		return 0, err
	}
	for {
		s.mu.Lock()
		if len(s.recvQ) > 0 {
			head := s.recvQ[0]
			n := copy(p, head[s.recvOff:])
			s.recvOff += n
			if s.recvOff == len(head) {
				s.recvQ = s.recvQ[1:]
				s.recvOff = 0
			}
			s.consumed += n
			s.mu.Unlock()
			s.maybeUpdateWindow()
			return n, nil
		}
		if s.failErr != nil {
			err := s.failErr
			s.mu.Unlock()
			return 0, err
		}
		if s.localClosed {
			s.mu.Unlock()
			return 0, fs.ErrClosed
		}
		if s.remoteClosed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.readable:
		case <-token.Done():
			return 0, model.ErrCancelled
		case <-s.conn.done:
			return 0, s.conn.Err()
		}
	}
}

// Write sends p, chunking by frame limit and available credit. It blocks
// until everything is sent, the token fires, or the stream fails.
func (s *Stream) Write(token *cancel.Token, p []byte) (int, error) {
	return s.write(token, p, false)
}

func (s *Stream) write(token *cancel.Token, p []byte, end bool) (int, error) {
	if err := token.Err(); err != nil {
		return 0, err
	}
	written := 0
	for written < len(p) || (end && written == len(p)) {
		s.mu.Lock()
		if s.failErr != nil {
			err := s.failErr
			s.mu.Unlock()
			return written, err
		}
		if s.localClosed {
			s.mu.Unlock()
			return written, fs.ErrClosed
		}
		chunk := len(p) - written
		if chunk > protocol.MaxFramePayload {
			chunk = protocol.MaxFramePayload
		}
		if chunk > s.sendCredit {
			chunk = s.sendCredit
		}
		if chunk == 0 && len(p)-written > 0 {
			s.mu.Unlock()
			select {
			case <-s.writable:
				continue
			case <-token.Done():
				return written, model.ErrCancelled
			case <-s.conn.done:
				return written, s.conn.Err()
			}
		}
		s.sendCredit -= chunk
		s.mu.Unlock()

		var flags uint8
		last := written+chunk == len(p)
		if end && last {
			flags = protocol.FlagEndStream
		}
		h := protocol.Header{StreamID: s.id, Kind: s.kind, Flags: flags, Length: uint32(chunk)}
		if err := s.conn.writeFrame(h, p[written:written+chunk]); err != nil {
			return written, err
		}
		written += chunk
		if last {
			break
		}
	}
	return written, nil
}

// SendMsg marshals v and sends it as a single frame. Protocol messages must
// fit one frame; bulk data travels through Write instead.
func (s *Stream) SendMsg(token *cancel.Token, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", s.kind, err)
	}
	if len(payload) > protocol.MaxFramePayload {
		return fmt.Errorf("%s message of %d bytes exceeds frame limit: %w", s.kind, len(payload), model.ErrNotValid)
	}
	if _, err := s.write(token, payload, false); err != nil {
		return err
	}
	return nil
}

// RecvMsg blocks for the next whole frame and unmarshals it into v. It must
// not be mixed with partial byte reads on the same stream.
func (s *Stream) RecvMsg(token *cancel.Token, v any) error {
	if err := token.Err(); err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if len(s.recvQ) > 0 {
			if s.recvOff != 0 {
				s.mu.Unlock()
				return fmt.Errorf("message read on partially drained %s stream: %w", s.kind, model.ErrNotValid)
			}
			payload := s.recvQ[0]
			s.recvQ = s.recvQ[1:]
			s.consumed += len(payload)
			s.mu.Unlock()
			s.maybeUpdateWindow()
			if err := codec.Unmarshal(payload, v); err != nil {
				return fmt.Errorf("decode %s message: %w", s.kind, err)
			}
			return nil
		}
		if s.failErr != nil {
			err := s.failErr
			s.mu.Unlock()
			return err
		}
		if s.localClosed {
			s.mu.Unlock()
			return fs.ErrClosed
		}
		if s.remoteClosed {
			s.mu.Unlock()
			return io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.readable:
		case <-token.Done():
			return model.ErrCancelled
		case <-s.conn.done:
			return s.conn.Err()
		}
	}
}

// CloseWrite signals end of our direction without giving up the read side.
// The peer observes EOF after draining.
func (s *Stream) CloseWrite(token *cancel.Token) error {
	_, err := s.write(token, nil, true)
	return err
}

// Close finishes the stream: tells the peer we are done and frees the id.
// Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.localClosed {
		s.mu.Unlock()
		return nil
	}
	s.localClosed = true
	failed := s.failErr != nil
	s.mu.Unlock()
	kick(s.readable)
	kick(s.writable)

	s.conn.removeStream(s.id)
	if failed {
		return nil
	}
	return s.conn.sendControl(protocol.Control{Type: protocol.ControlCloseStream, StreamID: s.id})
}
