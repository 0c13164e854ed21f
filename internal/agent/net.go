package agent

import (
	"io"
	"net"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// serveListener binds one listener and announces every accepted connection
// on the accept stream, each riding its own data stream.
func (a *Agent) serveListener(s *mux.Stream) {
	defer s.Close()

	var req protocol.NetListenRequest
	if err := s.RecvMsg(nil, &req); err != nil {
		return
	}

	l, err := net.Listen(req.Network, req.Address)
	if err != nil {
		s.SendMsg(nil, protocol.NetListenResponse{Err: protocol.WireErrorFrom(err)})
		return
	}
	a.trackListener(l)
	defer l.Close()

	if err := s.SendMsg(nil, protocol.NetListenResponse{BoundAddr: l.Addr().String()}); err != nil {
		return
	}

	logger := a.logger.WithValues(log.Kv{"network": req.Network, "addr": l.Addr().String()})
	logger.Debugf("listener bound")

	// The host closing the accept stream unbinds the listener.
	go func() {
		var msg protocol.NetListenRequest
		s.RecvMsg(nil, &msg)
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}

		data, err := a.conn.OpenStream(nil, protocol.KindData)
		if err != nil {
			conn.Close()
			return
		}
		// The open is acked before this announcement can be read, so the
		// host can always claim the stream it names.
		ann := protocol.NetInbound{StreamID: data.ID(), RemoteAddr: conn.RemoteAddr().String()}
		if err := s.SendMsg(nil, ann); err != nil {
			data.Close()
			conn.Close()
			return
		}

		go proxyConn(conn, data)
	}
}

// proxyConn shuttles bytes between a local connection and its data stream
// until both directions finish.
func proxyConn(conn net.Conn, data *mux.Stream) {
	done := make(chan struct{}, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := data.Write(nil, buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		data.CloseWrite(nil)
		done <- struct{}{}
	}()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := data.Read(nil, buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				if tc, ok := conn.(*net.TCPConn); ok && err == io.EOF {
					tc.CloseWrite()
				}
				break
			}
		}
		done <- struct{}{}
	}()

	<-done
	<-done
	conn.Close()
	data.Close()
}
