// Package local is a hypervisor backend that runs the guest agent
// in-process over an in-memory pipe, serving a host directory as the guest
// root. It provides no isolation; it exists for development and for
// exercising the full protocol stack without a VM.
package local

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/guestkit/guestkit/internal/agent"
	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/hypervisor"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
)

// BackendConfig configures the local backend.
type BackendConfig struct {
	// RootDir is served as the guest filesystem root. Empty means a fresh
	// temporary directory per guest.
	RootDir string
	// Logger defaults to noop.
	Logger log.Logger
}

func (c *BackendConfig) defaults() {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
}

// Backend boots in-process guests.
type Backend struct {
	cfg    BackendConfig
	logger log.Logger
}

// NewBackend returns a local backend.
func NewBackend(cfg BackendConfig) *Backend {
	cfg.defaults()
	return &Backend{
		cfg:    cfg,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "local.Backend"}),
	}
}

// Name satisfies hypervisor.Backend.
func (b *Backend) Name() string { return "local" }

// Check satisfies hypervisor.Backend. The local backend only needs a
// writable root.
func (b *Backend) Check() []model.CheckResult {
	root := b.cfg.RootDir
	if root == "" {
		return []model.CheckResult{{
			ID:      "local_root",
			Status:  model.CheckStatusOK,
			Message: "using per-guest temporary root",
		}}
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return []model.CheckResult{{
			ID:      "local_root",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("root %q is not a directory", root),
		}}
	}
	return []model.CheckResult{{
		ID:      "local_root",
		Status:  model.CheckStatusOK,
		Message: fmt.Sprintf("root %q ready", root),
	}}
}

// Boot satisfies hypervisor.Backend.
func (b *Backend) Boot(token *cancel.Token, spec model.InstanceSpec) (hypervisor.Guest, error) {
	root := b.cfg.RootDir
	removeRoot := false
	if root == "" {
		dir, err := os.MkdirTemp("", "guestkit-local-*")
		if err != nil {
			return nil, fmt.Errorf("create guest root: %w", err)
		}
		root = dir
		removeRoot = true
	}

	// Mounts appear under /mnt/<tag> as symlinks into the host.
	for _, m := range spec.Mounts {
		link := filepath.Join(root, "mnt", m.Tag)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return nil, fmt.Errorf("prepare mount %q: %w", m.Tag, err)
		}
		if err := os.Symlink(m.HostPath, link); err != nil && !os.IsExist(err) {
			return nil, fmt.Errorf("attach mount %q: %w", m.Tag, err)
		}
	}

	hostEnd, guestEnd := net.Pipe()
	a := agent.New(guestEnd, agent.Config{Root: root, Logger: b.cfg.Logger})

	g := &guest{
		conn:       hostEnd,
		agent:      a,
		halted:     make(chan struct{}),
		root:       root,
		removeRoot: removeRoot,
	}
	go func() {
		a.Serve()
		g.halt()
	}()

	b.logger.WithValues(log.Kv{"root": root}).Debugf("local guest booted")

	return g, nil
}

type guest struct {
	conn       net.Conn
	agent      *agent.Agent
	root       string
	removeRoot bool

	once   sync.Once
	halted chan struct{}
}

func (g *guest) Conn() io.ReadWriteCloser { return g.conn }

func (g *guest) Halted() <-chan struct{} { return g.halted }

func (g *guest) Kill() error {
	g.agent.Close()
	g.conn.Close()
	g.halt()
	return nil
}

func (g *guest) halt() {
	g.once.Do(func() {
		if g.removeRoot {
			os.RemoveAll(g.root)
		}
		close(g.halted)
	})
}
