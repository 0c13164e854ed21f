// Package instance manages the lifecycle of guest instances: boot, the
// version handshake, the instance deadline, distinguishable wait outcomes
// and graceful close. An instance is the root of an ownership tree; closing
// it invalidates every file, command and listener created through it.
package instance

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/guestfs"
	"github.com/guestkit/guestkit/internal/guestnet"
	"github.com/guestkit/guestkit/internal/guestproc"
	"github.com/guestkit/guestkit/internal/handle"
	"github.com/guestkit/guestkit/internal/hypervisor"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// ManagerConfig is the configuration for the instance manager.
type ManagerConfig struct {
	// Backend boots guests. Required.
	Backend hypervisor.Backend
	// Logger defaults to noop.
	Logger log.Logger
	// MaxCaptureBytes caps command output capture. Zero means unbounded.
	MaxCaptureBytes int64
	// CloseGrace is how long Close waits for a clean guest halt before
	// force-terminating. Defaults to 3s.
	CloseGrace time.Duration
	// HandshakeTimeout bounds the version handshake after boot. Defaults
	// to 10s.
	HandshakeTimeout time.Duration
}

func (c *ManagerConfig) defaults() error {
	if c.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = 3 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return nil
}

// Manager creates instances on one backend.
type Manager struct {
	cfg    ManagerConfig
	logger log.Logger
}

// NewManager creates a new instance manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "instance.Manager"}),
	}, nil
}

// Check runs the backend preflight checks.
func (m *Manager) Check() []model.CheckResult {
	return m.cfg.Backend.Check()
}

// Create boots a guest, handshakes and returns a running instance. The
// returned instance must be closed by the caller.
func (m *Manager) Create(token *cancel.Token, spec model.InstanceSpec) (*Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid instance spec: %w", err)
	}

	id := ulid.Make().String()
	logger := m.logger.WithValues(log.Kv{"instance": id, "backend": m.cfg.Backend.Name()})

	guest, err := m.cfg.Backend.Boot(token, spec)
	if err != nil {
		return nil, fmt.Errorf("boot guest: %w", err)
	}

	conn := mux.New(guest.Conn(), mux.Config{Side: mux.SideHost, Logger: m.cfg.Logger})

	// The handshake gets its own deadline on top of the caller's token.
	hsToken := cancel.New()
	defer hsToken.Close()
	hsTimer := time.AfterFunc(m.cfg.HandshakeTimeout, func() { hsToken.Cancel() })
	stop := linkToken(token, hsToken)
	err = conn.Handshake(hsToken)
	hsTimer.Stop()
	stop()
	if err != nil {
		guest.Kill()
		return nil, fmt.Errorf("guest handshake: %w", err)
	}

	i := &Instance{
		id:     id,
		spec:   spec,
		logger: logger,
		guest:  guest,
		conn:   conn,
		fs:     guestfs.New(conn, m.cfg.Logger),
		proc:   guestproc.NewController(conn, m.cfg.Logger, m.cfg.MaxCaptureBytes),
		netp:   guestnet.NewProxy(conn, m.cfg.Logger),
		grace:  m.cfg.CloseGrace,
		status: model.InstanceStatusRunning,
		done:   make(chan struct{}),
	}

	if spec.Timeout > 0 {
		i.deadline = time.AfterFunc(spec.Timeout, i.expire)
	}
	go i.watch()

	logger.Infof("instance created")

	return i, nil
}

// linkToken propagates cancellation from parent to child until the returned
// stop function is called.
func linkToken(parent, child *cancel.Token) (stop func()) {
	if parent == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			child.Cancel()
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

// Instance is one running guest.
type Instance struct {
	id     string
	spec   model.InstanceSpec
	logger log.Logger
	guest  hypervisor.Guest
	conn   *mux.Conn
	fs     *guestfs.FS
	proc   *guestproc.Controller
	netp   *guestnet.Proxy
	grace  time.Duration

	children handle.Table[io.Closer]

	mu       sync.Mutex
	img      model.ImageConfig
	status   model.InstanceStatus
	outcome  model.WaitOutcome
	deadline *time.Timer
	closed   bool
	done     chan struct{}
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Spec returns the immutable creation spec.
func (i *Instance) Spec() model.InstanceSpec { return i.spec }

// Status returns the current lifecycle state.
func (i *Instance) Status() model.InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// FS returns the guest filesystem for path operations. Open files should go
// through OpenFile so the instance can reclaim them on close.
func (i *Instance) FS() *guestfs.FS { return i.fs }

// watch settles the instance when the guest halts or the transport dies on
// its own.
func (i *Instance) watch() {
	select {
	case <-i.guest.Halted():
	case <-i.conn.Done():
	}
	i.settle(model.WaitHalted)
}

// settle records the first terminal outcome and flips the status. Later
// outcomes lose.
func (i *Instance) settle(outcome model.WaitOutcome) {
	i.mu.Lock()
	if i.status == model.InstanceStatusTerminated {
		i.mu.Unlock()
		return
	}
	i.status = model.InstanceStatusTerminated
	i.outcome = outcome
	done := i.done
	i.mu.Unlock()
	close(done)
}

// expire fires when the instance deadline passes.
func (i *Instance) expire() {
	i.logger.Warningf("instance deadline passed, terminating")
	i.settle(model.WaitTimeout)
	i.teardown(fmt.Errorf("instance deadline passed: %w", model.ErrTimeout))
}

// Wait blocks until the instance terminates or the token fires. A fired
// token reports WaitCancelled and leaves the instance running.
func (i *Instance) Wait(token *cancel.Token) (model.WaitOutcome, error) {
	select {
	case <-i.done:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.outcome, nil
	case <-token.Done():
		return model.WaitCancelled, model.ErrCancelled
	}
}

// Close terminates the instance: it asks the guest to halt, grants it the
// grace period, then force-kills. All children are invalidated. Idempotent.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	if i.deadline != nil {
		i.deadline.Stop()
	}
	i.mu.Unlock()

	i.logger.Infof("closing instance")

	// Ask nicely first.
	if err := i.conn.SendControl(protocol.Control{Type: protocol.ControlShutdown}); err == nil {
		select {
		case <-i.guest.Halted():
		case <-i.conn.Done():
		case <-time.After(i.grace):
			i.logger.Warningf("guest ignored shutdown for %s, killing", i.grace)
		}
	}

	i.settle(model.WaitHalted)
	i.teardown(fmt.Errorf("instance closed: %w", model.ErrAlreadyClosed))
	return nil
}

// teardown force-terminates the guest and invalidates every child resource.
func (i *Instance) teardown(reason error) {
	i.conn.CloseWithError(reason)
	i.guest.Kill()
	for _, c := range i.children.Values() {
		c.Close()
	}
}

// track registers a child resource and returns its release function.
func (i *Instance) track(c io.Closer) func() {
	h := i.children.Insert(c)
	return func() { i.children.Remove(h) }
}

func (i *Instance) running() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != model.InstanceStatusRunning {
		return fmt.Errorf("instance %s terminated: %w", i.id, model.ErrNotRunning)
	}
	return nil
}

// Open opens a guest file for reading.
func (i *Instance) Open(token *cancel.Token, path string) (*File, error) {
	return i.OpenFile(token, path, 0, 0)
}

// Create creates or truncates a guest file for writing.
func (i *Instance) Create(token *cancel.Token, path string) (*File, error) {
	f, err := i.fs.Create(token, path)
	if err != nil {
		return nil, err
	}
	return &File{File: f, release: i.track(f)}, nil
}

// OpenFile opens a guest file with os package flag semantics. The file is
// owned by the instance and closed with it.
func (i *Instance) OpenFile(token *cancel.Token, path string, flag int, perm fs.FileMode) (*File, error) {
	if err := i.running(); err != nil {
		return nil, model.NewIOError("open", path, err)
	}
	f, err := i.fs.OpenFile(token, path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &File{File: f, release: i.track(f)}, nil
}

// Command prepares a guest command owned by the instance.
func (i *Instance) Command(args ...string) *Cmd {
	c := i.proc.Command(args...)
	return &Cmd{Cmd: c, inst: i}
}

// SetImageConfig attaches image metadata used as defaults by
// EntrypointCommand. Populating an instance from a source sets it.
func (i *Instance) SetImageConfig(cfg model.ImageConfig) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.img = cfg
}

// ImageConfig returns the attached image metadata.
func (i *Instance) ImageConfig() model.ImageConfig {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.img
}

// EntrypointCommand prepares a guest command from the image entrypoint.
// Extra args replace the image cmd, keeping the entrypoint prefix. Env,
// working directory and user default from the image config.
func (i *Instance) EntrypointCommand(args ...string) *Cmd {
	img := i.ImageConfig()

	argv := append([]string{}, img.Entrypoint...)
	if len(args) > 0 {
		argv = append(argv, args...)
	} else {
		argv = append(argv, img.Cmd...)
	}

	c := i.Command(argv...)
	c.Env = img.EnvWithDefaults()
	c.Dir = img.WorkDirOrRoot()
	c.User = img.User
	return c
}

// Listen binds a guest listener owned by the instance.
func (i *Instance) Listen(token *cancel.Token, network, address string) (*Listener, error) {
	if err := i.running(); err != nil {
		return nil, err
	}
	l, err := i.netp.Listen(token, network, address)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, release: i.track(l)}, nil
}

// SetNetworkEnabled toggles guest internet access at runtime.
func (i *Instance) SetNetworkEnabled(enabled bool) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.conn.SendControl(protocol.Control{Type: protocol.ControlSetNetwork, Enabled: enabled})
}

// ResizeConsole updates the guest console dimensions.
func (i *Instance) ResizeConsole(cols, rows int) error {
	if err := i.running(); err != nil {
		return err
	}
	return i.conn.SendControl(protocol.Control{Type: protocol.ControlResizeConsole, Cols: int32(cols), Rows: int32(rows)})
}

// File is an instance-owned open file.
type File struct {
	*guestfs.File
	release func()
}

// Close releases the file from its instance and closes it.
func (f *File) Close() error {
	f.release()
	return f.File.Close()
}

// Listener is an instance-owned guest listener.
type Listener struct {
	*guestnet.Listener
	release func()
}

// Close releases the listener from its instance and closes it.
func (l *Listener) Close() error {
	l.release()
	return l.Listener.Close()
}

// Cmd is an instance-owned guest command. A started command is killed when
// its instance closes.
type Cmd struct {
	*guestproc.Cmd
	inst    *Instance
	release func()
}

// Start spawns the process and registers it for teardown with the instance.
func (c *Cmd) Start(token *cancel.Token) error {
	if err := c.inst.running(); err != nil {
		return err
	}
	if err := c.Cmd.Start(token); err != nil {
		return err
	}
	c.release = c.inst.track(killCloser{c.Cmd})
	return nil
}

// Wait blocks for termination and releases the command from its instance.
// A fired token leaves the command registered and running.
func (c *Cmd) Wait(token *cancel.Token) error {
	err := c.Cmd.Wait(token)
	if errors.Is(err, model.ErrCancelled) {
		return err
	}
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return err
}

// Run starts the process and waits for completion.
func (c *Cmd) Run(token *cancel.Token) error {
	if err := c.Start(token); err != nil {
		return err
	}
	return c.Wait(token)
}

// Output runs the command and returns its standard output. The running
// process is registered with the instance like any other start, so teardown
// kills it.
func (c *Cmd) Output(token *cancel.Token) ([]byte, error) {
	buf, err := c.Cmd.CaptureOutput(false)
	if err != nil {
		return nil, err
	}
	err = c.Run(token)
	return buf.Bytes(), err
}

// CombinedOutput runs the command and returns interleaved output.
func (c *Cmd) CombinedOutput(token *cancel.Token) ([]byte, error) {
	buf, err := c.Cmd.CaptureOutput(true)
	if err != nil {
		return nil, err
	}
	err = c.Run(token)
	return buf.Bytes(), err
}

// killCloser adapts a running command to io.Closer for bulk teardown.
type killCloser struct {
	cmd *guestproc.Cmd
}

func (k killCloser) Close() error {
	return k.cmd.Kill(nil)
}
