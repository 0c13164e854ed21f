package lib

import (
	"context"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestnet"
	"github.com/guestkit/guestkit/internal/instance"
)

// Listen binds a listener inside the guest, e.g. ("tcp", "127.0.0.1:0"),
// and proxies its inbound connections to the caller. The listener is owned
// by the instance and closed with it.
func (i *Instance) Listen(ctx context.Context, network, address string) (*Listener, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	l, err := i.inner.Listen(token, network, address)
	if err != nil {
		return nil, mapError(err)
	}
	return &Listener{inner: l}, nil
}

// Listener is a bound guest listener. Accept it like net.Listener, with a
// context instead of a deadline.
type Listener struct {
	inner *instance.Listener
}

// Addr returns the guest-side bound address, useful after binding port 0.
func (l *Listener) Addr() string { return l.inner.Addr() }

// Accept blocks for the next inbound guest connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	c, err := l.inner.Accept(token)
	if err != nil {
		return nil, mapError(err)
	}
	return &Conn{inner: c}, nil
}

// Close unbinds the guest listener. Idempotent.
func (l *Listener) Close() error {
	return mapError(l.inner.Close())
}

// Conn is one proxied guest connection.
type Conn struct {
	inner *guestnet.Conn
}

// LocalAddr returns the guest listener address.
func (c *Conn) LocalAddr() string { return c.inner.LocalAddr() }

// RemoteAddr returns the guest-side peer address.
func (c *Conn) RemoteAddr() string { return c.inner.RemoteAddr() }

// Read reads from the connection. io.EOF means the peer finished.
func (c *Conn) Read(ctx context.Context, p []byte) (int, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	n, err := c.inner.Read(token, p)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

// Write writes to the connection.
func (c *Conn) Write(ctx context.Context, p []byte) (int, error) {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	n, err := c.inner.Write(token, p)
	if err != nil {
		return n, mapError(err)
	}
	return n, nil
}

// CloseWrite half-closes our direction; the peer reads EOF after draining.
func (c *Conn) CloseWrite(ctx context.Context) error {
	token, stop := cancel.FromContext(ctx)
	defer stop()

	return mapError(c.inner.CloseWrite(token))
}

// Close releases the connection. Idempotent.
func (c *Conn) Close() error {
	return mapError(c.inner.Close())
}
