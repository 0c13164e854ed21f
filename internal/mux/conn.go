// Package mux multiplexes every logical conversation with a running guest
// over the instance's single physical connection. Each logical stream is
// independently flow controlled, so a slow consumer stalls only its own
// writer; frames are never split across interleavings of other streams; and
// a transport-level failure tears down every stream with the same error and
// is never retried.
package mux

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/codec"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/protocol"
)

// DefaultWindow is the initial per-stream receive window in bytes.
const DefaultWindow = 256 * 1024

// streamIDInUse is the ack error for an id collision. Collisions are
// transient (an id freed on one side may still be draining on the other), so
// the opener retries once with a fresh id before surfacing the failure.
const streamIDInUse = "stream id in use"

// Side selects which half of the id space a connection allocates from, so
// simultaneous opens from both peers can never collide.
type Side int

const (
	// SideHost allocates odd stream ids.
	SideHost Side = iota
	// SideGuest allocates even stream ids.
	SideGuest
)

// Config configures a multiplexed connection.
type Config struct {
	// Side determines stream id parity. Defaults to SideHost.
	Side Side
	// Window is the initial per-stream receive window. Defaults to
	// DefaultWindow.
	Window int
	// Logger receives debug output. Defaults to noop.
	Logger log.Logger
	// OnStream is invoked (on the read loop goroutine's behalf, in its own
	// goroutine) for every stream the peer opens that nobody claims by id.
	// The guest agent serves streams from here; the host leaves it nil and
	// claims announced streams explicitly.
	OnStream func(*Stream)
	// OnControl is invoked for instance-level control messages (shutdown,
	// network toggle, console resize). Stream lifecycle messages are handled
	// internally and never reach it.
	OnControl func(protocol.Control)
	// ParkKinds lists stream kinds that bypass OnStream and wait for an
	// explicit ClaimStream, e.g. stdio pipes referenced by id in a later
	// spawn request. Parking happens on the read loop, so a stream is always
	// claimable before any message that mentions its id can be observed.
	ParkKinds []protocol.StreamKind
}

func (c *Config) defaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
}

type openResult struct {
	accepted bool
	errMsg   string
}

// Conn is one side of a multiplexed guest connection.
type Conn struct {
	cfg    Config
	rwc    io.ReadWriteCloser
	logger log.Logger

	// writeMu serializes whole frames onto the transport. A frame is the
	// unit of interleaving: header and payload always go out back to back.
	writeMu sync.Mutex

	mu       sync.Mutex
	streams  map[uint32]*Stream
	parked   map[uint32]*Stream // peer-opened streams awaiting Claim
	pending  map[uint32]chan openResult
	nextID   uint32
	closed   bool
	closeErr error

	handshakeDone bool
	peerVersion   uint32

	done chan struct{}
}

// New wraps rwc in a multiplexed connection and starts its read loop after
// Handshake or ServeHandshake completes.
func New(rwc io.ReadWriteCloser, cfg Config) *Conn {
	cfg.defaults()
	first := uint32(1)
	if cfg.Side == SideGuest {
		first = 2
	}
	return &Conn{
		cfg:     cfg,
		rwc:     rwc,
		logger:  cfg.Logger.WithValues(log.Kv{"svc": "mux.Conn"}),
		streams: map[uint32]*Stream{},
		parked:  map[uint32]*Stream{},
		pending: map[uint32]chan openResult{},
		nextID:  first,
		done:    make(chan struct{}),
	}
}

// Handshake performs the host side of version negotiation: send our hello,
// require a compatible hello back. On success the read loop starts.
func (c *Conn) Handshake(token *cancel.Token) error {
	if err := c.sendControl(protocol.Control{Type: protocol.ControlHello, Version: protocol.Version}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	return c.finishHandshake(token)
}

// ServeHandshake performs the guest side: wait for the host hello, answer
// with ours. On success the read loop starts.
func (c *Conn) ServeHandshake(token *cancel.Token) error {
	if err := c.finishHandshake(token); err != nil {
		return err
	}
	return c.sendControl(protocol.Control{Type: protocol.ControlHello, Version: protocol.Version})
}

// finishHandshake reads exactly one frame, which must be a hello, then
// starts the read loop.
func (c *Conn) finishHandshake(token *cancel.Token) error {
	type helloResult struct {
		version uint32
		err     error
	}
	ch := make(chan helloResult, 1)
	go func() {
		header, payload, err := c.readFrame()
		if err != nil {
			ch <- helloResult{err: err}
			return
		}
		if header.Kind != protocol.KindControl {
			ch <- helloResult{err: fmt.Errorf("expected control frame, got %s", header.Kind)}
			return
		}
		var ctl protocol.Control
		if err := codec.Unmarshal(payload, &ctl); err != nil {
			ch <- helloResult{err: fmt.Errorf("decode hello: %w", err)}
			return
		}
		if ctl.Type != protocol.ControlHello {
			ch <- helloResult{err: fmt.Errorf("expected hello, got control type %d", ctl.Type)}
			return
		}
		ch <- helloResult{version: ctl.Version}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			c.CloseWithError(res.err)
			return fmt.Errorf("handshake: %w", res.err)
		}
		if res.version != protocol.Version {
			err := fmt.Errorf("guest speaks version %d, host speaks %d: %w", res.version, protocol.Version, model.ErrProtocolVersion)
			c.CloseWithError(err)
			return err
		}
		c.mu.Lock()
		c.handshakeDone = true
		c.peerVersion = res.version
		c.mu.Unlock()
		go c.readLoop()
		return nil
	case <-token.Done():
		c.CloseWithError(model.ErrCancelled)
		return model.ErrCancelled
	}
}

// PeerVersion returns the negotiated protocol version of the peer.
func (c *Conn) PeerVersion() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerVersion
}

// OpenStream opens a logical stream of the given kind. It blocks until the
// peer acks (so id collisions and backpressure resolve before data flows),
// the token fires, or the connection dies. A transient id collision is
// retried once internally.
func (c *Conn) OpenStream(token *cancel.Token, kind protocol.StreamKind) (*Stream, error) {
	if err := token.Err(); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.closed {
			err := c.closeErr
			c.mu.Unlock()
			return nil, err
		}
		id := c.nextID
		c.nextID += 2
		ch := make(chan openResult, 1)
		c.pending[id] = ch
		c.mu.Unlock()

		if err := c.sendControl(protocol.Control{Type: protocol.ControlOpenStream, StreamID: id, Kind: kind}); err != nil {
			c.forgetPending(id)
			return nil, err
		}

		select {
		case res := <-ch:
			if res.accepted {
				s := newStream(c, id, kind)
				c.mu.Lock()
				if c.closed {
					err := c.closeErr
					c.mu.Unlock()
					return nil, err
				}
				c.streams[id] = s
				c.mu.Unlock()
				return s, nil
			}
			if res.errMsg == streamIDInUse && attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("open %s stream: %s", kind, res.errMsg)
		case <-token.Done():
			c.forgetPending(id)
			return nil, model.ErrCancelled
		case <-c.done:
			c.forgetPending(id)
			return nil, c.Err()
		}
	}
}

// ClaimStream takes ownership of a stream the peer opened (announced out of
// band, e.g. by a NetInbound message).
func (c *Conn) ClaimStream(id uint32) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closeErr
	}
	s, ok := c.parked[id]
	if !ok {
		return nil, fmt.Errorf("no pending peer stream %d: %w", id, model.ErrNotValid)
	}
	delete(c.parked, id)
	c.streams[id] = s
	return s, nil
}

// SendControl sends an instance-level control message (shutdown, network
// toggle, console resize).
func (c *Conn) SendControl(ctl protocol.Control) error {
	return c.sendControl(ctl)
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the teardown error once Done is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErr
}

// Close tears the connection down with ErrAlreadyClosed as the stream error.
func (c *Conn) Close() error {
	return c.CloseWithError(model.ErrAlreadyClosed)
}

// CloseWithError tears down the transport and every open stream with the
// same error. It is idempotent; the first error wins.
func (c *Conn) CloseWithError(err error) error {
	if err == nil {
		err = model.ErrAlreadyClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = err
	streams := make([]*Stream, 0, len(c.streams)+len(c.parked))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	for _, s := range c.parked {
		streams = append(streams, s)
	}
	c.streams = map[uint32]*Stream{}
	c.parked = map[uint32]*Stream{}
	pending := c.pending
	c.pending = map[uint32]chan openResult{}
	c.mu.Unlock()

	for _, s := range streams {
		s.teardown(err)
	}
	for _, ch := range pending {
		ch <- openResult{accepted: false, errMsg: err.Error()}
	}
	close(c.done)
	return c.rwc.Close()
}

func (c *Conn) forgetPending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// writeFrame sends one frame atomically with respect to other writers.
func (c *Conn) writeFrame(h protocol.Header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := protocol.WriteHeader(c.rwc, h); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.rwc.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

func (c *Conn) sendControl(ctl protocol.Control) error {
	payload, err := codec.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	return c.writeFrame(protocol.Header{StreamID: 0, Kind: protocol.KindControl, Length: uint32(len(payload))}, payload)
}

func (c *Conn) readFrame() (protocol.Header, []byte, error) {
	header, err := protocol.ReadHeader(c.rwc)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	var payload []byte
	if header.Length > 0 {
		payload = make([]byte, header.Length)
		if _, err := io.ReadFull(c.rwc, payload); err != nil {
			return protocol.Header{}, nil, err
		}
	}
	return header, payload, nil
}

// readLoop dispatches complete frames to the owning stream's buffer until
// the transport fails or closes.
func (c *Conn) readLoop() {
	for {
		header, payload, err := c.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("guest connection closed: %w", model.ErrNotRunning)
			} else {
				err = fmt.Errorf("guest transport failed: %v: %w", err, model.ErrNotRunning)
			}
			c.CloseWithError(err)
			return
		}

		if header.Kind == protocol.KindControl {
			var ctl protocol.Control
			if err := codec.Unmarshal(payload, &ctl); err != nil {
				c.CloseWithError(fmt.Errorf("malformed control frame: %v: %w", err, model.ErrNotRunning))
				return
			}
			c.handleControl(ctl)
			continue
		}

		c.mu.Lock()
		s := c.streams[header.StreamID]
		if s == nil {
			s = c.parked[header.StreamID]
		}
		c.mu.Unlock()
		if s == nil {
			// Frame for a stream we already closed; drop it.
			continue
		}
		s.deliver(payload, header.Flags&protocol.FlagEndStream != 0)
	}
}

func (c *Conn) handleControl(ctl protocol.Control) {
	switch ctl.Type {
	case protocol.ControlOpenStream:
		c.handlePeerOpen(ctl)
	case protocol.ControlOpenAck:
		c.mu.Lock()
		ch := c.pending[ctl.StreamID]
		delete(c.pending, ctl.StreamID)
		c.mu.Unlock()
		if ch != nil {
			ch <- openResult{accepted: ctl.Accepted, errMsg: ctl.Error}
		}
	case protocol.ControlCloseStream:
		c.mu.Lock()
		s := c.streams[ctl.StreamID]
		if s == nil {
			s = c.parked[ctl.StreamID]
		}
		c.mu.Unlock()
		if s != nil {
			s.remoteClose()
		}
	case protocol.ControlWindowUpdate:
		c.mu.Lock()
		s := c.streams[ctl.StreamID]
		c.mu.Unlock()
		if s != nil {
			s.addCredit(int(ctl.Credit))
		}
	default:
		if c.cfg.OnControl != nil {
			c.cfg.OnControl(ctl)
		}
	}
}

func (c *Conn) handlePeerOpen(ctl protocol.Control) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.streams[ctl.StreamID]; exists {
		c.mu.Unlock()
		c.sendControl(protocol.Control{Type: protocol.ControlOpenAck, StreamID: ctl.StreamID, Accepted: false, Error: streamIDInUse})
		return
	}
	if _, exists := c.parked[ctl.StreamID]; exists {
		c.mu.Unlock()
		c.sendControl(protocol.Control{Type: protocol.ControlOpenAck, StreamID: ctl.StreamID, Accepted: false, Error: streamIDInUse})
		return
	}
	s := newStream(c, ctl.StreamID, ctl.Kind)
	dispatch := c.cfg.OnStream != nil && !c.parkKind(ctl.Kind)
	if dispatch {
		c.streams[ctl.StreamID] = s
	} else {
		c.parked[ctl.StreamID] = s
	}
	c.mu.Unlock()

	if err := c.sendControl(protocol.Control{Type: protocol.ControlOpenAck, StreamID: ctl.StreamID, Accepted: true}); err != nil {
		return
	}
	if dispatch {
		go c.cfg.OnStream(s)
	}
}

func (c *Conn) parkKind(kind protocol.StreamKind) bool {
	for _, k := range c.cfg.ParkKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// removeStream drops a fully-closed stream from the table so its id can be
// reused.
func (c *Conn) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	delete(c.parked, id)
	c.mu.Unlock()
}
