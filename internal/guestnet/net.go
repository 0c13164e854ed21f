// Package guestnet proxies guest network listeners to the host. A listener
// occupies one accept stream carrying inbound announcements; each accepted
// connection rides its own data stream opened by the guest.
package guestnet

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// Proxy exposes guest-side listeners over one connection.
type Proxy struct {
	conn   *mux.Conn
	logger log.Logger
}

// NewProxy returns a network proxy on conn.
func NewProxy(conn *mux.Conn, logger log.Logger) *Proxy {
	if logger == nil {
		logger = log.Noop
	}
	return &Proxy{
		conn:   conn,
		logger: logger.WithValues(log.Kv{"svc": "guestnet.Proxy"}),
	}
}

// Listen binds a listener inside the guest, e.g. ("tcp", "127.0.0.1:8080").
func (p *Proxy) Listen(token *cancel.Token, network, address string) (*Listener, error) {
	bindAddr := network + " " + address

	s, err := p.conn.OpenStream(token, protocol.KindAccept)
	if err != nil {
		return nil, wrapIO("listen", bindAddr, err)
	}

	if err := s.SendMsg(token, protocol.NetListenRequest{Network: network, Address: address}); err != nil {
		s.Close()
		return nil, wrapIO("listen", bindAddr, err)
	}
	var resp protocol.NetListenResponse
	if err := s.RecvMsg(token, &resp); err != nil {
		s.Close()
		return nil, wrapIO("listen", bindAddr, err)
	}
	if rerr := resp.Err.Err(); rerr != nil {
		s.Close()
		return nil, wrapIO("listen", bindAddr, rerr)
	}

	p.logger.WithValues(log.Kv{"network": network, "addr": resp.BoundAddr}).Debugf("guest listener bound")

	return &Listener{
		proxy:   p,
		stream:  s,
		network: network,
		addr:    resp.BoundAddr,
	}, nil
}

// Listener is a bound guest listener.
type Listener struct {
	proxy   *Proxy
	stream  *mux.Stream
	network string
	addr    string

	mu     sync.Mutex
	closed bool
}

// Addr returns the guest-side bound address.
func (l *Listener) Addr() string { return l.addr }

// Accept blocks for the next inbound guest connection.
func (l *Listener) Accept(token *cancel.Token) (*Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, model.ErrAlreadyClosed
	}
	l.mu.Unlock()

	var in protocol.NetInbound
	if err := l.stream.RecvMsg(token, &in); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("listener closed by guest: %w", model.ErrAlreadyClosed)
		}
		return nil, wrapIO("accept", l.addr, err)
	}

	data, err := l.proxy.conn.ClaimStream(in.StreamID)
	if err != nil {
		return nil, wrapIO("accept", l.addr, err)
	}

	return &Conn{
		stream: data,
		local:  l.addr,
		remote: in.RemoteAddr,
	}, nil
}

// Close unbinds the guest listener. Idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.stream.Close()
}

// Conn is one proxied guest connection.
type Conn struct {
	stream *mux.Stream
	local  string
	remote string
}

// LocalAddr returns the guest listener address.
func (c *Conn) LocalAddr() string { return c.local }

// RemoteAddr returns the guest-side peer address.
func (c *Conn) RemoteAddr() string { return c.remote }

// Read reads from the connection. io.EOF means the peer finished.
func (c *Conn) Read(token *cancel.Token, p []byte) (int, error) {
	n, err := c.stream.Read(token, p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, wrapIO("read", c.remote, err)
	}
	return n, err
}

// Write writes to the connection.
func (c *Conn) Write(token *cancel.Token, p []byte) (int, error) {
	n, err := c.stream.Write(token, p)
	if err != nil {
		return n, wrapIO("write", c.remote, err)
	}
	return n, nil
}

// CloseWrite half-closes our direction; the peer reads EOF after draining.
func (c *Conn) CloseWrite(token *cancel.Token) error {
	if err := c.stream.CloseWrite(token); err != nil {
		return wrapIO("close", c.remote, err)
	}
	return nil
}

// Close releases the connection. Idempotent.
func (c *Conn) Close() error {
	return c.stream.Close()
}

// wrapIO tags proxy failures as io errors carrying the operation and the
// address, unless they already carry a taxonomy sentinel. Guest-bound
// connectivity is local to the sandbox, so nothing here is a network error.
func wrapIO(op, addr string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrCancelled),
		errors.Is(err, model.ErrNotRunning),
		errors.Is(err, model.ErrAlreadyClosed):
		return err
	default:
		return model.NewIOError(op, addr, err)
	}
}
