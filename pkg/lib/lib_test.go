package lib_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/pkg/lib"
)

// newTestClient creates a client with a temp SQLite DB for test isolation.
func newTestClient(t *testing.T) *lib.Client {
	t.Helper()

	ctx := context.Background()

	client, err := lib.New(ctx, lib.Config{
		DataDir: t.TempDir(),
		DBPath:  filepath.Join(t.TempDir(), "test.db"),
		Backend: lib.BackendLocal,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func newTestInstance(t *testing.T, client *lib.Client) *lib.Instance {
	t.Helper()

	inst, err := client.CreateInstance(context.Background(), lib.InstanceSpec{
		Resources: lib.Resources{VCPUs: 1, MemoryMB: 128},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = inst.Close()
	})

	return inst
}

func TestNewInvalidConfig(t *testing.T) {
	tests := map[string]struct {
		config lib.Config
		expErr bool
	}{
		"A default config with explicit paths should work.": {
			config: lib.Config{
				Backend: lib.BackendLocal,
			},
		},

		"A vmm backend without vmm configuration should fail.": {
			config: lib.Config{
				Backend: lib.BackendVMM,
			},
			expErr: true,
		},

		"An unknown backend type should fail.": {
			config: lib.Config{
				Backend: lib.BackendType("cloud"),
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			test.config.DataDir = t.TempDir()
			test.config.DBPath = filepath.Join(t.TempDir(), "test.db")

			client, err := lib.New(context.Background(), test.config)
			if test.expErr {
				assert.Error(err)
				assert.ErrorIs(err, lib.ErrNotValid)
				return
			}
			require.NoError(t, err)
			assert.NoError(client.Close())
		})
	}
}

func TestExecCapturesOutput(t *testing.T) {
	assert := assert.New(t)

	client := newTestClient(t)
	inst := newTestInstance(t, client)

	res, err := inst.Exec(context.Background(), []string{"echo", "hello"}, nil)
	require.NoError(t, err)

	assert.Equal(0, res.ExitCode)
	assert.Equal("hello\n", string(res.Stdout))
	assert.Empty(res.Stderr)
}

func TestExecReportsExitCode(t *testing.T) {
	assert := assert.New(t)

	client := newTestClient(t)
	inst := newTestInstance(t, client)

	res, err := inst.Exec(context.Background(), []string{"sh", "-c", "exit 42"}, nil)
	require.NoError(t, err)

	assert.Equal(42, res.ExitCode)
}

func TestExecStreamsToWriters(t *testing.T) {
	assert := assert.New(t)

	client := newTestClient(t)
	inst := newTestInstance(t, client)

	var stdout bytes.Buffer
	res, err := inst.Exec(context.Background(), []string{"echo", "streamed"}, &lib.ExecOpts{
		Stdout: &stdout,
	})
	require.NoError(t, err)

	assert.Equal("streamed\n", stdout.String())
	assert.Empty(res.Stdout, "output should not be captured when a writer is given")
}

func TestExecStdin(t *testing.T) {
	assert := assert.New(t)

	client := newTestClient(t)
	inst := newTestInstance(t, client)

	res, err := inst.Exec(context.Background(), []string{"cat"}, &lib.ExecOpts{
		Stdin: strings.NewReader("from stdin"),
	})
	require.NoError(t, err)

	assert.Equal("from stdin", string(res.Stdout))
}

func TestExecEmptyCommand(t *testing.T) {
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	_, err := inst.Exec(context.Background(), nil, nil)
	assert.ErrorIs(t, err, lib.ErrNotValid)
}

func TestFileRoundtrip(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	err := inst.MkdirAll(ctx, "/app", 0o755)
	require.NoError(t, err)

	err = inst.WriteFile(ctx, "/app/config.json", []byte(`{"debug":true}`), 0o644)
	require.NoError(t, err)

	data, err := inst.ReadFile(ctx, "/app/config.json")
	require.NoError(t, err)
	assert.Equal(`{"debug":true}`, string(data))

	info, err := inst.Stat(ctx, "/app/config.json")
	require.NoError(t, err)
	assert.Equal(int64(14), info.Size())

	err = inst.Remove(ctx, "/app/config.json")
	require.NoError(t, err)

	_, err = inst.ReadFile(ctx, "/app/config.json")
	assert.ErrorIs(err, lib.ErrNotFound)
}

func TestCopyToAndFrom(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	hostFile := filepath.Join(t.TempDir(), "payload.txt")
	require.NoError(t, os.WriteFile(hostFile, []byte("round trip"), 0o644))

	err := inst.CopyTo(ctx, hostFile, "/payload.txt")
	require.NoError(t, err)

	outFile := filepath.Join(t.TempDir(), "out.txt")
	err = inst.CopyFrom(ctx, "/payload.txt", outFile)
	require.NoError(t, err)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal("round trip", string(data))
}

func TestSnapshotLifecycle(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	require.NoError(t, inst.MkdirAll(ctx, "/data", 0o755))
	require.NoError(t, inst.WriteFile(ctx, "/data/state.txt", []byte("v1"), 0o644))

	snap, err := client.CreateSnapshot(ctx, inst, nil)
	require.NoError(t, err)
	assert.NotEmpty(snap.ID)
	assert.NotEmpty(snap.CacheKey)
	assert.Empty(snap.ParentKey)

	snaps, err := client.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(snap.ID, snaps[0].ID)

	err = client.RemoveSnapshot(ctx, snap.ID)
	require.NoError(t, err)

	snaps, err = client.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(snaps)
}

func TestSnapshotCaptureIsDeduplicated(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	require.NoError(t, inst.WriteFile(ctx, "/state.txt", []byte("same"), 0o644))

	first, err := client.CreateSnapshot(ctx, inst, nil)
	require.NoError(t, err)

	second, err := client.CreateSnapshot(ctx, inst, nil)
	require.NoError(t, err)

	assert.Equal(first.ID, second.ID)
	assert.Equal(first.CacheKey, second.CacheKey)

	snaps, err := client.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(snaps, 1)
}

func TestCreateInstanceFromSnapshot(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	require.NoError(t, inst.MkdirAll(ctx, "/app", 0o755))
	require.NoError(t, inst.WriteFile(ctx, "/app/seed.txt", []byte("seeded"), 0o644))

	snap, err := client.CreateSnapshot(ctx, inst, nil)
	require.NoError(t, err)

	fresh, err := client.CreateInstanceFromSnapshot(ctx, lib.InstanceSpec{
		Resources: lib.Resources{VCPUs: 1, MemoryMB: 128},
	}, snap.CacheKey)
	require.NoError(t, err)
	defer fresh.Close()

	data, err := fresh.ReadFile(ctx, "/app/seed.txt")
	require.NoError(t, err)
	assert.Equal("seeded", string(data))
}

func TestCreateInstanceFromMissingSnapshot(t *testing.T) {
	client := newTestClient(t)

	_, err := client.CreateInstanceFromSnapshot(context.Background(), lib.InstanceSpec{
		Resources: lib.Resources{VCPUs: 1, MemoryMB: 128},
	}, "sha256:absent")
	assert.ErrorIs(t, err, lib.ErrNotFound)
}

func TestSnapshotWithParent(t *testing.T) {
	assert := assert.New(t)

	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	require.NoError(t, inst.WriteFile(ctx, "/base.txt", []byte("base"), 0o644))
	base, err := client.CreateSnapshot(ctx, inst, nil)
	require.NoError(t, err)

	require.NoError(t, inst.WriteFile(ctx, "/extra.txt", []byte("extra"), 0o644))
	child, err := client.CreateSnapshot(ctx, inst, &lib.SnapshotOpts{
		ParentCacheKey: base.CacheKey,
	})
	require.NoError(t, err)

	assert.Equal(base.CacheKey, child.ParentKey)

	fresh, err := client.CreateInstanceFromSnapshot(ctx, lib.InstanceSpec{
		Resources: lib.Resources{VCPUs: 1, MemoryMB: 128},
	}, child.CacheKey)
	require.NoError(t, err)
	defer fresh.Close()

	for path, content := range map[string]string{"/base.txt": "base", "/extra.txt": "extra"} {
		data, err := fresh.ReadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(content, string(data))
	}
}

func TestSnapshotWithMissingParent(t *testing.T) {
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	_, err := client.CreateSnapshot(context.Background(), inst, &lib.SnapshotOpts{
		ParentCacheKey: "sha256:absent",
	})
	assert.ErrorIs(t, err, lib.ErrNotFound)
}

func TestRemoveSnapshotWithChildren(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	require.NoError(t, inst.WriteFile(ctx, "/base.txt", []byte("base"), 0o644))
	base, err := client.CreateSnapshot(ctx, inst, nil)
	require.NoError(t, err)

	require.NoError(t, inst.WriteFile(ctx, "/extra.txt", []byte("extra"), 0o644))
	_, err = client.CreateSnapshot(ctx, inst, &lib.SnapshotOpts{ParentCacheKey: base.CacheKey})
	require.NoError(t, err)

	err = client.RemoveSnapshot(ctx, base.ID)
	assert.ErrorIs(t, err, lib.ErrNotValid)
}

func TestOperationsOnClosedInstance(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	require.NoError(t, inst.Close())

	_, err := inst.Exec(ctx, []string{"echo", "hi"}, nil)
	assert.Error(t, err)

	_, err = inst.ReadFile(ctx, "/anything")
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	client := newTestClient(t)
	inst := newTestInstance(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inst.Exec(ctx, []string{"sleep", "60"}, nil)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, lib.ErrCancelled) || errors.Is(err, context.Canceled))
}

func TestDoctorLocalBackend(t *testing.T) {
	assert := assert.New(t)

	client := newTestClient(t)

	checks := client.Doctor(context.Background())
	assert.NotEmpty(checks)
	for _, c := range checks {
		assert.NotEmpty(c.ID)
		assert.NotEmpty(c.Message)
	}
}

func TestGuestListenerRoundtrip(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(t)
	inst := newTestInstance(t, client)

	l, err := inst.Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	type result struct {
		data string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			got <- result{err: err}
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(ctx, buf)
		conn.Write(ctx, []byte("pong"))
		conn.CloseWrite(ctx)
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

func TestGuestListenerBindFailure(t *testing.T) {
	ctx := context.Background()

	client := newTestClient(t)
	inst := newTestInstance(t, client)

	_, err := inst.Listen(ctx, "tcp", "definitely-not-an-address")
	require.Error(t, err)
}
