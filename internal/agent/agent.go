// Package agent implements the guest side of the runtime protocol: it
// serves filesystem, process and network streams against a root directory
// using the operating system directly. Hypervisor images embed it as the
// guest init helper; the local backend runs it in-process over a pipe,
// which also makes the whole protocol testable without a VM.
package agent

import (
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// Config configures an agent.
type Config struct {
	// Root is the directory served as the guest filesystem root. Empty
	// means the process root.
	Root string
	// Logger receives debug output. Defaults to noop.
	Logger log.Logger
}

func (c *Config) defaults() {
	if c.Root == "" {
		c.Root = "/"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
}

// Agent serves one host connection.
type Agent struct {
	cfg    Config
	logger log.Logger
	conn   *mux.Conn

	mu        sync.Mutex
	listeners []io.Closer
}

// New returns an agent serving rwc. Serve must be called to start it.
func New(rwc io.ReadWriteCloser, cfg Config) *Agent {
	cfg.defaults()
	a := &Agent{
		cfg:    cfg,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "agent.Agent"}),
	}
	a.conn = mux.New(rwc, mux.Config{
		Side:      mux.SideGuest,
		Logger:    cfg.Logger,
		OnStream:  a.dispatch,
		OnControl: a.control,
		// Stdio streams carry no opening message; the process handler claims
		// them by the ids in the spawn request.
		ParkKinds: []protocol.StreamKind{protocol.KindStdio},
	})
	return a
}

// Serve handshakes and then blocks until the connection ends. The returned
// error is the connection's terminal error.
func (a *Agent) Serve() error {
	if err := a.conn.ServeHandshake(nil); err != nil {
		return err
	}
	<-a.conn.Done()
	a.closeListeners()
	return a.conn.Err()
}

// Close tears down the connection and everything served over it.
func (a *Agent) Close() error {
	err := a.conn.Close()
	a.closeListeners()
	return err
}

func (a *Agent) dispatch(s *mux.Stream) {
	switch s.Kind() {
	case protocol.KindFile:
		a.serveFile(s)
	case protocol.KindProc:
		a.serveProc(s)
	case protocol.KindAccept:
		a.serveListener(s)
	default:
		a.logger.Warningf("unexpected %s stream from host", s.Kind())
		s.Close()
	}
}

func (a *Agent) control(ctl protocol.Control) {
	switch ctl.Type {
	case protocol.ControlShutdown:
		a.logger.Infof("shutdown requested by host")
		a.conn.Close()
	case protocol.ControlSetNetwork:
		a.logger.WithValues(log.Kv{"enabled": ctl.Enabled}).Infof("network access toggled")
	case protocol.ControlResizeConsole:
		a.logger.WithValues(log.Kv{"cols": ctl.Cols, "rows": ctl.Rows}).Debugf("console resized")
	}
}

func (a *Agent) trackListener(c io.Closer) {
	a.mu.Lock()
	a.listeners = append(a.listeners, c)
	a.mu.Unlock()
}

func (a *Agent) closeListeners() {
	a.mu.Lock()
	ls := a.listeners
	a.listeners = nil
	a.mu.Unlock()
	for _, l := range ls {
		l.Close()
	}
}

// rooted maps a guest path under the served root. Cleaning the path as
// absolute first keeps traversal inside the root.
func (a *Agent) rooted(path string) string {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	return filepath.Join(a.cfg.Root, clean)
}
