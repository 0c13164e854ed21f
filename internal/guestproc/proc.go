// Package guestproc runs processes inside the guest with an os/exec shaped
// API. A command moves through created, started and terminated states
// exactly once; stdio pipes can only be wired before start; and capture
// helpers collect output with an optional byte cap.
package guestproc

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/mux"
	"github.com/guestkit/guestkit/internal/protocol"
)

// Controller spawns guest processes over one connection.
type Controller struct {
	conn   *mux.Conn
	logger log.Logger

	// maxCaptureBytes caps Output and CombinedOutput buffers. Zero means
	// unbounded.
	maxCaptureBytes int64
}

// NewController returns a process controller on conn. maxCaptureBytes caps
// captured output per command; zero disables the cap.
func NewController(conn *mux.Conn, logger log.Logger, maxCaptureBytes int64) *Controller {
	if logger == nil {
		logger = log.Noop
	}
	return &Controller{
		conn:            conn,
		logger:          logger.WithValues(log.Kv{"svc": "guestproc.Controller"}),
		maxCaptureBytes: maxCaptureBytes,
	}
}

// Command prepares a guest command. Nothing runs until Start.
func (c *Controller) Command(args ...string) *Cmd {
	return &Cmd{
		ctrl: c,
		Args: args,
	}
}

type cmdState int

const (
	stateCreated cmdState = iota
	stateStarting
	stateStarted
	stateDone
)

// defaultKillGrace is how long Kill waits for the guest's exit report before
// force-releasing the command's streams.
const defaultKillGrace = 3 * time.Second

// ExitError reports a command that terminated unsuccessfully.
type ExitError struct {
	Code   int
	Killed bool
}

func (e *ExitError) Error() string {
	if e.Killed {
		return "process killed"
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Cmd is one guest process. Configure the exported fields before Start;
// they are ignored afterwards.
type Cmd struct {
	ctrl *Controller

	// Args is the argv of the process. Args[0] is the program.
	Args []string
	// Dir is the working directory. Empty means the guest default.
	Dir string
	// Env is the environment, one "KEY=value" per entry.
	Env []string
	// User runs the process as "uid" or "uid:gid".
	User string
	// Stdin feeds the process standard input until EOF.
	Stdin io.Reader
	// Stdout and Stderr receive process output. Nil discards.
	Stdout io.Writer
	Stderr io.Writer

	mu      sync.Mutex
	state   cmdState
	pid     int
	proc    *mux.Stream
	streams []*mux.Stream
	killed  bool

	// killGrace overrides defaultKillGrace. Tests shorten it.
	killGrace time.Duration

	exitCode int
	exitKill bool
	waitErr  error
	done     chan struct{}

	ioWG sync.WaitGroup
}

// PID returns the guest process id after a successful Start.
func (c *Cmd) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// StdinPipe returns a pipe connected to the process standard input. It must
// be called before Start and excludes the Stdin field.
func (c *Cmd) StdinPipe() (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return nil, fmt.Errorf("stdin pipe after start: %w", model.ErrNotValid)
	}
	if c.Stdin != nil {
		return nil, fmt.Errorf("stdin already set: %w", model.ErrNotValid)
	}
	pr, pw := io.Pipe()
	c.Stdin = pr
	return pw, nil
}

// StdoutPipe returns a pipe connected to the process standard output. It
// must be called before Start and excludes the Stdout field.
func (c *Cmd) StdoutPipe() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return nil, fmt.Errorf("stdout pipe after start: %w", model.ErrNotValid)
	}
	if c.Stdout != nil {
		return nil, fmt.Errorf("stdout already set: %w", model.ErrNotValid)
	}
	pr, pw := io.Pipe()
	c.Stdout = pipeCloser{pw}
	return pr, nil
}

// StderrPipe returns a pipe connected to the process standard error. It
// must be called before Start and excludes the Stderr field.
func (c *Cmd) StderrPipe() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return nil, fmt.Errorf("stderr pipe after start: %w", model.ErrNotValid)
	}
	if c.Stderr != nil {
		return nil, fmt.Errorf("stderr already set: %w", model.ErrNotValid)
	}
	pr, pw := io.Pipe()
	c.Stderr = pipeCloser{pw}
	return pr, nil
}

// pipeCloser marks a writer the output copier must close at stream end so
// pipe readers observe EOF.
type pipeCloser struct {
	*io.PipeWriter
}

// Start spawns the process. A command starts at most once; concurrent Start
// calls race for the starting transition and the losers fail.
func (c *Cmd) Start(token *cancel.Token) error {
	c.mu.Lock()
	if c.state != stateCreated {
		c.mu.Unlock()
		return fmt.Errorf("command already started: %w", model.ErrNotValid)
	}
	if len(c.Args) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("empty argv: %w", model.ErrNotValid)
	}
	c.state = stateStarting
	stdin, stdout, stderr := c.Stdin, c.Stdout, c.Stderr
	c.mu.Unlock()

	conn := c.ctrl.conn

	var streams []*mux.Stream
	cleanup := func() {
		for _, s := range streams {
			s.Close()
		}
		c.mu.Lock()
		c.state = stateCreated
		c.mu.Unlock()
	}
	openStdio := func() (*mux.Stream, error) {
		s, err := conn.OpenStream(token, protocol.KindStdio)
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
		return s, nil
	}

	req := protocol.ProcRequest{
		Args: c.Args,
		Dir:  c.Dir,
		Env:  c.Env,
		User: c.User,
	}

	var stdinS, stdoutS, stderrS *mux.Stream
	var err error
	if stdin != nil {
		if stdinS, err = openStdio(); err != nil {
			cleanup()
			return fmt.Errorf("open stdin stream: %w", err)
		}
		req.StdinStream = stdinS.ID()
	}
	if stdout != nil {
		if stdoutS, err = openStdio(); err != nil {
			cleanup()
			return fmt.Errorf("open stdout stream: %w", err)
		}
		req.StdoutStream = stdoutS.ID()
	}
	if stderr != nil {
		if stderrS, err = openStdio(); err != nil {
			cleanup()
			return fmt.Errorf("open stderr stream: %w", err)
		}
		req.StderrStream = stderrS.ID()
	}

	proc, err := conn.OpenStream(token, protocol.KindProc)
	if err != nil {
		cleanup()
		return fmt.Errorf("open process stream: %w", err)
	}
	streams = append(streams, proc)

	if err := proc.SendMsg(token, req); err != nil {
		cleanup()
		return fmt.Errorf("send spawn request: %w", err)
	}
	var started protocol.ProcStarted
	if err := proc.RecvMsg(token, &started); err != nil {
		cleanup()
		return fmt.Errorf("spawn %q: %w", c.Args[0], err)
	}
	if serr := started.Err.Err(); serr != nil {
		cleanup()
		return fmt.Errorf("spawn %q: %w", c.Args[0], serr)
	}

	c.mu.Lock()
	c.state = stateStarted
	c.pid = int(started.PID)
	c.proc = proc
	c.streams = streams
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.ctrl.logger.WithValues(log.Kv{"argv0": c.Args[0], "pid": started.PID}).Debugf("guest process started")

	if stdin != nil {
		c.ioWG.Add(1)
		go func() {
			defer c.ioWG.Done()
			copyToStream(stdinS, stdin)
		}()
	}
	if stdout != nil {
		c.ioWG.Add(1)
		go func() {
			defer c.ioWG.Done()
			copyFromStream(stdout, stdoutS)
		}()
	}
	if stderr != nil {
		c.ioWG.Add(1)
		go func() {
			defer c.ioWG.Done()
			copyFromStream(stderr, stderrS)
		}()
	}

	go c.reap()

	return nil
}

// reap waits for the exit report and settles the command.
func (c *Cmd) reap() {
	var exit protocol.ProcExit
	err := c.proc.RecvMsg(nil, &exit)

	// Let output copiers drain everything the guest sent before exit.
	c.ioWG.Wait()

	c.mu.Lock()
	c.state = stateDone
	if err != nil {
		c.waitErr = fmt.Errorf("process reaping: %w", err)
	} else {
		c.exitCode = int(exit.Code)
		c.exitKill = exit.Killed
	}
	done := c.done
	proc := c.proc
	c.mu.Unlock()

	proc.Close()
	close(done)
}

// Wait blocks until the process terminates. It returns nil on exit code
// zero, an ExitError otherwise. Wait before Start is invalid.
func (c *Cmd) Wait(token *cancel.Token) error {
	c.mu.Lock()
	if c.state == stateCreated || c.state == stateStarting {
		c.mu.Unlock()
		return fmt.Errorf("wait on unstarted command: %w", model.ErrNotRunning)
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-token.Done():
		return model.ErrCancelled
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitErr != nil {
		return c.waitErr
	}
	if c.exitKill {
		return &ExitError{Code: c.exitCode, Killed: true}
	}
	if c.exitCode != 0 {
		return &ExitError{Code: c.exitCode}
	}
	return nil
}

// Kill terminates a running process. Killing an already-terminated process
// is a no-op; killing a never-started one is an error. When the guest never
// reports the exit, the command's streams are force-released after a grace
// period so Wait still settles.
func (c *Cmd) Kill(token *cancel.Token) error {
	c.mu.Lock()
	switch c.state {
	case stateCreated, stateStarting:
		c.mu.Unlock()
		return fmt.Errorf("kill unstarted command: %w", model.ErrNotRunning)
	case stateDone:
		c.mu.Unlock()
		return nil
	}
	if c.killed {
		c.mu.Unlock()
		return nil
	}
	c.killed = true
	proc := c.proc
	done := c.done
	grace := c.killGrace
	if grace == 0 {
		grace = defaultKillGrace
	}
	c.mu.Unlock()

	if err := proc.SendMsg(token, protocol.ProcKill{Kill: true}); err != nil {
		c.releaseStreams()
		return fmt.Errorf("send kill: %w", err)
	}

	time.AfterFunc(grace, func() {
		select {
		case <-done:
		default:
			c.releaseStreams()
		}
	})
	return nil
}

// releaseStreams force-closes the proc and stdio streams so the reaper and
// the output copiers unblock.
func (c *Cmd) releaseStreams() {
	c.mu.Lock()
	streams := c.streams
	c.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}

// Run starts the process and waits for completion.
func (c *Cmd) Run(token *cancel.Token) error {
	if err := c.Start(token); err != nil {
		return err
	}
	return c.Wait(token)
}

// CaptureOutput wires a capped capture buffer as the command's standard
// output, and standard error too when combined is set. It must be called
// before Start on a command whose destinations are still unset. Callers that
// wrap Start can wire capture themselves and keep their own start path.
func (c *Cmd) CaptureOutput(combined bool) (*CaptureBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return nil, fmt.Errorf("capture after start: %w", model.ErrNotValid)
	}
	if c.Stdout != nil || (combined && c.Stderr != nil) {
		return nil, fmt.Errorf("stdout or stderr already set: %w", model.ErrNotValid)
	}
	buf := newCaptureBuffer(c.ctrl.maxCaptureBytes)
	c.Stdout = buf
	if combined {
		c.Stderr = buf
	}
	return buf, nil
}

// Output runs the command and returns its standard output, capped by the
// controller's capture limit when one is set.
func (c *Cmd) Output(token *cancel.Token) ([]byte, error) {
	buf, err := c.CaptureOutput(false)
	if err != nil {
		return nil, err
	}
	err = c.Run(token)
	return buf.Bytes(), err
}

// CombinedOutput runs the command and returns standard output and standard
// error interleaved in arrival order.
func (c *Cmd) CombinedOutput(token *cancel.Token) ([]byte, error) {
	buf, err := c.CaptureOutput(true)
	if err != nil {
		return nil, err
	}
	err = c.Run(token)
	return buf.Bytes(), err
}

// CaptureBuffer collects output, dropping everything past the cap while
// still draining the stream so the process never blocks on a full window.
type CaptureBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCaptureBuffer(limit int64) *CaptureBuffer {
	return &CaptureBuffer{limit: limit}
}

func (b *CaptureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 {
		room := b.limit - int64(b.buf.Len())
		if room <= 0 {
			b.truncated = true
			return len(p), nil
		}
		if int64(len(p)) > room {
			b.buf.Write(p[:room])
			b.truncated = true
			return len(p), nil
		}
	}
	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns a copy of the captured output.
func (b *CaptureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Truncated reports whether the cap dropped output.
func (b *CaptureBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// copyToStream drains r into the stream, then half-closes it so the guest
// process sees stdin EOF.
func copyToStream(s *mux.Stream, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := s.Write(nil, buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	s.CloseWrite(nil)
	s.Close()
}

// copyFromStream drains the stream into w until EOF, closing w if it is a
// pipe end.
func copyFromStream(w io.Writer, s *mux.Stream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.Read(nil, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	s.Close()
	if pc, ok := w.(pipeCloser); ok {
		pc.PipeWriter.Close()
	}
}
