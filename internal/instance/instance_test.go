package instance_test

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/cancel"
	"github.com/guestkit/guestkit/internal/hypervisor/local"
	"github.com/guestkit/guestkit/internal/instance"
	"github.com/guestkit/guestkit/internal/model"
)

func testSpec() model.InstanceSpec {
	return model.InstanceSpec{
		Resources: model.Resources{VCPUs: 1, MemoryMB: 128},
	}
}

// newTestInstance boots a guest on the local backend rooted at a fresh
// temporary directory.
func newTestInstance(t *testing.T, spec model.InstanceSpec) (*instance.Instance, string) {
	t.Helper()

	root := t.TempDir()
	m, err := instance.NewManager(instance.ManagerConfig{
		Backend: local.NewBackend(local.BackendConfig{RootDir: root}),
	})
	require.NoError(t, err)

	inst, err := m.Create(nil, spec)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })

	return inst, root
}

func TestCreateValidatesSpec(t *testing.T) {
	t.Parallel()

	m, err := instance.NewManager(instance.ManagerConfig{
		Backend: local.NewBackend(local.BackendConfig{}),
	})
	require.NoError(t, err)

	tests := map[string]model.InstanceSpec{
		"Zero vcpus should be rejected":    {Resources: model.Resources{VCPUs: 0, MemoryMB: 128}},
		"Zero memory should be rejected":   {Resources: model.Resources{VCPUs: 1, MemoryMB: 0}},
		"Bad user string should be rejected": {Resources: model.Resources{VCPUs: 1, MemoryMB: 128}, User: "alice"},
		"Duplicate mount tags should be rejected": {
			Resources: model.Resources{VCPUs: 1, MemoryMB: 128},
			Mounts:    []model.Mount{{Tag: "src", HostPath: "/tmp"}, {Tag: "src", HostPath: "/var"}},
		},
	}

	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := m.Create(nil, spec)
			assert.ErrorIs(t, err, model.ErrNotValid)
		})
	}
}

func TestStatReportsGuestFileSize(t *testing.T) {
	t.Parallel()

	inst, root := newTestInstance(t, testSpec())

	content := []byte("eighteen-bytes-xyz")
	require.Len(t, content, 18)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), content, 0o644))

	info, err := inst.FS().Stat(nil, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(18), info.Size())
	assert.False(t, info.IsDir())
}

func TestStatMissingFileIsIOError(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	_, err := inst.FS().Stat(nil, "/no/such/file")
	require.Error(t, err)

	var ioErr *model.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "stat", ioErr.Op)
	assert.Equal(t, "/no/such/file", ioErr.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCommandEchoCapturesStdout(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	out, err := inst.Command("echo", "Hello").Output(nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello\n", string(out))
}

func TestCommandStdinReachesProcess(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	cmd := inst.Command("cat")
	cmd.Stdin = strings.NewReader("hello world")
	out, err := cmd.Output(nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestCommandNonZeroExit(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	err := inst.Command("false").Run(nil)
	require.Error(t, err)
	assert.Equal(t, "process exited with code 1", err.Error())
}

func TestCommandDoubleStart(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	cmd := inst.Command("true")
	require.NoError(t, cmd.Start(nil))
	err := cmd.Start(nil)
	assert.ErrorIs(t, err, model.ErrNotValid)
	require.NoError(t, cmd.Wait(nil))
}

func TestCommandKillBeforeStart(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	err := inst.Command("sleep", "10").Kill(nil)
	assert.ErrorIs(t, err, model.ErrNotRunning)
}

func TestCommandKillTerminatesProcess(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	cmd := inst.Command("sleep", "60")
	require.NoError(t, cmd.Start(nil))
	require.NoError(t, cmd.Kill(nil))

	err := cmd.Wait(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "killed")

	// Killing again is a no-op.
	require.NoError(t, cmd.Kill(nil))
}

func TestWriteFileReadFileRoundtrip(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	data := []byte("state flows through the proxy")
	require.NoError(t, inst.FS().WriteFile(nil, "/out.txt", data, 0o644))

	got, err := inst.FS().ReadFile(nil, "/out.txt")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAppendWritesDoNotInterleave(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	const (
		writers = 4
		lines   = 50
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			f, err := inst.OpenFile(nil, "/log.txt", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
			if err != nil {
				t.Error(err)
				return
			}
			defer f.Close()
			line := []byte(fmt.Sprintf("writer-%d-%s\n", w, strings.Repeat("x", 40)))
			for n := 0; n < lines; n++ {
				if _, err := f.Write(nil, line); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := inst.FS().ReadFile(nil, "/log.txt")
	require.NoError(t, err)

	split := strings.Split(strings.TrimSuffix(string(got), "\n"), "\n")
	require.Len(t, split, writers*lines)
	for _, line := range split {
		assert.Regexp(t, `^writer-\d-x{40}$`, line, "append writes must land whole")
	}
}

func TestCloseInvalidatesChildren(t *testing.T) {
	t.Parallel()

	inst, root := newTestInstance(t, testSpec())
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("data"), 0o644))

	f, err := inst.Open(nil, "/f.txt")
	require.NoError(t, err)

	require.NoError(t, inst.Close())
	assert.Equal(t, model.InstanceStatusTerminated, inst.Status())

	_, err = f.Read(nil, make([]byte, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)

	// New operations fail too.
	_, err = inst.Open(nil, "/f.txt")
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())
	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())
}

func TestWaitReportsTimeout(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	spec.Timeout = 100 * time.Millisecond
	inst, _ := newTestInstance(t, spec)

	outcome, err := inst.Wait(nil)
	require.NoError(t, err)
	assert.Equal(t, model.WaitTimeout, outcome)
	assert.Equal(t, model.InstanceStatusTerminated, inst.Status())
}

func TestWaitCancellationLeavesInstanceRunning(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	token := cancel.New()
	go func() {
		time.Sleep(30 * time.Millisecond)
		token.Cancel()
	}()

	outcome, err := inst.Wait(token)
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Equal(t, model.WaitCancelled, outcome)

	// The instance is untouched by the caller giving up.
	out, err := inst.Command("echo", "still here").Output(nil)
	require.NoError(t, err)
	assert.Equal(t, "still here\n", string(out))
}

func TestCancellationIsolatedPerCall(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	token := cancel.New()
	token.Cancel()

	_, err := inst.FS().Stat(token, "/whatever")
	assert.ErrorIs(t, err, model.ErrCancelled)

	// A fresh call with its own token is unaffected.
	_, err = inst.FS().Stat(nil, "/")
	require.NoError(t, err)
}

func TestListenerProxiesInboundConnections(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	l, err := inst.Listen(nil, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	type result struct {
		data string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		conn, err := l.Accept(nil)
		if err != nil {
			got <- result{err: err}
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(nil, buf)
		conn.Write(nil, []byte("pong"))
		conn.CloseWrite(nil)
		got <- result{data: string(buf[:n])}
	}()

	raw, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte("ping"))
	require.NoError(t, err)

	reply := make([]byte, 4)
	_, err = raw.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))

	res := <-got
	require.NoError(t, res.err)
	assert.Equal(t, "ping", res.data)
}

func TestListenBindFailureIsIOError(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	_, err := inst.Listen(nil, "tcp", "definitely-not-an-address")
	require.Error(t, err)

	var ioErr *model.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "listen", ioErr.Op)
	assert.Equal(t, "tcp definitely-not-an-address", ioErr.Path)
	assert.NotErrorIs(t, err, model.ErrNetwork)
}

func TestCloseSettlesCapturedOutputCommand(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	cmd := inst.Command("sleep", "60")
	got := make(chan error, 1)
	go func() {
		_, err := cmd.Output(nil)
		got <- err
	}()

	// Let the process spawn before tearing the instance down.
	require.Eventually(t, func() bool { return cmd.PID() != 0 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, inst.Close())

	select {
	case err := <-got:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("captured command did not settle after instance close")
	}
}

func TestMountsAppearUnderTags(t *testing.T) {
	t.Parallel()

	hostDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "shared.txt"), []byte("visible"), 0o644))

	spec := testSpec()
	spec.Mounts = []model.Mount{{Tag: "work", HostPath: hostDir, Writable: true}}
	inst, _ := newTestInstance(t, spec)

	got, err := inst.FS().ReadFile(nil, "/mnt/work/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "visible", string(got))
}

func TestEntrypointCommandUsesImageDefaults(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	inst.SetImageConfig(model.ImageConfig{
		Entrypoint: []string{"echo"},
		Cmd:        []string{"from", "image"},
		Env:        []string{"APP_MODE=production"},
		WorkingDir: "/srv",
	})

	cmd := inst.EntrypointCommand()
	assert.Equal(t, []string{"echo", "from", "image"}, cmd.Args)
	assert.Equal(t, "/srv", cmd.Dir)
	assert.Contains(t, cmd.Env, "APP_MODE=production")
	assert.Contains(t, strings.Join(cmd.Env, " "), "PATH=")
	assert.Contains(t, cmd.Env, "HOME=/root")
}

func TestEntrypointCommandArgsReplaceImageCmd(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstance(t, testSpec())

	inst.SetImageConfig(model.ImageConfig{
		Entrypoint: []string{"echo"},
		Cmd:        []string{"default"},
	})

	cmd := inst.EntrypointCommand("override", "args")
	assert.Equal(t, []string{"echo", "override", "args"}, cmd.Args)
	assert.Equal(t, "/", cmd.Dir)
}
