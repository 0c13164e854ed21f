// Package vmm is a hypervisor backend that boots real guests through an
// external virtual machine monitor binary. The monitor is spawned per
// guest with a dedicated run directory; the guest agent inside the image
// exposes the control connection on a unix socket the monitor forwards
// out of the VM.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/hypervisor"
	"github.com/guestkit/guestkit/internal/log"
	"github.com/guestkit/guestkit/internal/model"
	"github.com/guestkit/guestkit/internal/utils/file"
)

const (
	// DefaultDataDir is the default directory for runtime data, under the
	// user home.
	DefaultDataDir = ".guestkit"
	// GuestsDir is the subdirectory holding per-guest run directories.
	GuestsDir = "guests"

	socketFile = "control.sock"
	logFile    = "vmm.log"
	rootFSFile = "rootfs.img"

	// socketWait bounds how long a spawned monitor may take to expose the
	// control socket before the boot is abandoned.
	socketWait = 10 * time.Second
)

// BackendConfig configures the vmm backend.
type BackendConfig struct {
	// DataDir is the base directory for run state (default: ~/.guestkit).
	DataDir string
	// Binary is the path to the monitor binary. If empty it is looked up
	// in PATH.
	Binary string
	// KernelImage is the kernel the monitor boots.
	KernelImage string
	// RootFSImage is the root filesystem image with the embedded agent.
	RootFSImage string
	// Logger defaults to noop.
	Logger log.Logger
}

func (c *BackendConfig) defaults() error {
	if c.DataDir == "" {
		home := homedir.HomeDir()
		if home == "" {
			return fmt.Errorf("could not resolve user home dir")
		}
		c.DataDir = filepath.Join(home, DefaultDataDir)
	}
	if c.Binary == "" {
		c.Binary = "cloud-hypervisor"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	return nil
}

// Backend boots guests through the external monitor.
type Backend struct {
	cfg    BackendConfig
	logger log.Logger
}

// NewBackend returns a vmm backend.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Backend{
		cfg:    cfg,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "vmm.Backend"}),
	}, nil
}

// Name satisfies hypervisor.Backend.
func (b *Backend) Name() string { return "vmm" }

// Check satisfies hypervisor.Backend.
func (b *Backend) Check() []model.CheckResult {
	var results []model.CheckResult

	if path, err := exec.LookPath(b.cfg.Binary); err != nil {
		results = append(results, model.CheckResult{
			ID:      "vmm_binary",
			Status:  model.CheckStatusError,
			Message: fmt.Sprintf("monitor binary %q not found in PATH", b.cfg.Binary),
		})
	} else {
		results = append(results, model.CheckResult{
			ID:      "vmm_binary",
			Status:  model.CheckStatusOK,
			Message: fmt.Sprintf("monitor binary at %s", path),
		})
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		results = append(results, model.CheckResult{
			ID:      "kvm_available",
			Status:  model.CheckStatusError,
			Message: "/dev/kvm not available",
		})
	} else {
		results = append(results, model.CheckResult{
			ID:      "kvm_available",
			Status:  model.CheckStatusOK,
			Message: "/dev/kvm available",
		})
	}

	for id, path := range map[string]string{"kernel_image": b.cfg.KernelImage, "rootfs_image": b.cfg.RootFSImage} {
		if path == "" {
			results = append(results, model.CheckResult{
				ID:      id,
				Status:  model.CheckStatusWarning,
				Message: "not configured",
			})
			continue
		}
		virtual, allocated, err := file.DiskUsage(path)
		if err != nil {
			results = append(results, model.CheckResult{
				ID:      id,
				Status:  model.CheckStatusError,
				Message: fmt.Sprintf("%s not found", path),
			})
		} else {
			results = append(results, model.CheckResult{
				ID:      id,
				Status:  model.CheckStatusOK,
				Message: fmt.Sprintf("%s (%d of %d bytes allocated)", path, allocated, virtual),
			})
		}
	}

	return results
}

// Boot satisfies hypervisor.Backend. It spawns the monitor, waits for the
// control socket and dials it.
func (b *Backend) Boot(token *cancel.Token, spec model.InstanceSpec) (hypervisor.Guest, error) {
	binary, err := exec.LookPath(b.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("monitor binary %q: %v: %w", b.cfg.Binary, err, model.ErrHypervisorUnavailable)
	}

	id := ulid.Make().String()
	runDir := filepath.Join(b.cfg.DataDir, GuestsDir, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	socketPath := filepath.Join(runDir, socketFile)
	_ = os.Remove(socketPath)

	logPath := filepath.Join(runDir, logFile)
	logF, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create monitor log: %w", err)
	}

	// Each guest writes to its own copy of the root filesystem image.
	rootFS := filepath.Join(runDir, rootFSFile)
	if err := copyRootFS(b.cfg.RootFSImage, rootFS); err != nil {
		logF.Close()
		return nil, fmt.Errorf("prepare rootfs: %w", err)
	}

	args := []string{
		"--kernel", b.cfg.KernelImage,
		"--disk", "path=" + rootFS,
		"--cpus", "boot=" + strconv.Itoa(spec.Resources.VCPUs),
		"--memory", fmt.Sprintf("size=%dM", spec.Resources.MemoryMB),
		"--vsock", "cid=3,socket=" + socketPath,
	}
	for _, m := range spec.Mounts {
		args = append(args, "--fs", fmt.Sprintf("tag=%s,socket=%s", m.Tag, m.HostPath))
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = runDir
	cmd.Stdout = logF
	cmd.Stderr = logF

	if err := cmd.Start(); err != nil {
		logF.Close()
		return nil, fmt.Errorf("spawn monitor: %v: %w", err, model.ErrHypervisorUnavailable)
	}

	b.logger.WithValues(log.Kv{"guest": id, "pid": cmd.Process.Pid}).Debugf("monitor spawned")

	conn, err := waitForSocket(token, socketPath, socketWait)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		logF.Close()
		return nil, err
	}

	g := &guest{
		id:     id,
		cmd:    cmd,
		conn:   conn,
		logF:   logF,
		halted: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		g.halt()
	}()

	return g, nil
}

// copyRootFS copies the base image preserving sparse holes, falling back to
// a plain copy on filesystems without SEEK_DATA support.
func copyRootFS(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	err = file.CloneSparse(context.Background(), in, out)
	if errors.Is(err, file.ErrSparseUnsupported) {
		if _, err := in.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err = io.Copy(out, in)
	}
	return err
}

// waitForSocket polls the control socket until it accepts a connection.
func waitForSocket(token *cancel.Token, socketPath string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		select {
		case <-token.Done():
			return nil, model.ErrCancelled
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("control socket %s never came up: %w", socketPath, model.ErrHypervisorUnavailable)
}

type guest struct {
	id   string
	cmd  *exec.Cmd
	conn net.Conn
	logF *os.File

	once   sync.Once
	halted chan struct{}
}

func (g *guest) Conn() io.ReadWriteCloser { return g.conn }

func (g *guest) Halted() <-chan struct{} { return g.halted }

func (g *guest) Kill() error {
	if err := g.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			return nil
		}
	}
	g.cmd.Process.Kill()
	return nil
}

func (g *guest) halt() {
	g.once.Do(func() {
		g.conn.Close()
		g.logF.Close()
		close(g.halted)
	})
}
