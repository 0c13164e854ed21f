package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/hypervisor/local"
	"github.com/guestkit/guestkit/internal/model"
)

func TestOutputRegistersCommandForTeardown(t *testing.T) {
	t.Parallel()

	m, err := NewManager(ManagerConfig{
		Backend: local.NewBackend(local.BackendConfig{RootDir: t.TempDir()}),
	})
	require.NoError(t, err)

	inst, err := m.Create(nil, model.InstanceSpec{
		Resources: model.Resources{VCPUs: 1, MemoryMB: 128},
	})
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })

	cmd := inst.Command("sleep", "60")
	got := make(chan error, 1)
	go func() {
		_, err := cmd.Output(nil)
		got <- err
	}()

	// The capturing run path must register the live process like a plain
	// Start, so the teardown sweep can reach it.
	require.Eventually(t, func() bool { return inst.children.Len() == 1 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, inst.Close())

	select {
	case err := <-got:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("captured command did not settle after instance close")
	}
}
