package hypervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeAdapterLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFakeAdapter()

	var events []LifecycleEvent
	unregister, err := f.RegisterLifecycleCallback(func(ev LifecycleEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	defer unregister()

	require.NoError(t, f.Define(ctx, DomainConfig{Name: "work", MemoryKiB: 400000}))

	state, xid, err := f.State(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, DomainShutoff, state)
	require.Equal(t, -1, xid)

	xid, err = f.Create(ctx, "work", false)
	require.NoError(t, err)
	require.Greater(t, xid, 0)
	require.Len(t, events, 1)
	require.Equal(t, DomainRunning, events[0].State)

	require.NoError(t, f.Suspend(ctx, "work"))
	state, _, err = f.State(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, DomainPaused, state)

	require.NoError(t, f.Resume(ctx, "work"))

	require.Error(t, f.Undefine(ctx, "work")) // still running

	require.NoError(t, f.Destroy(ctx, "work"))
	require.NoError(t, f.Undefine(ctx, "work"))
}

func TestFakeAdapterPhysInfo(t *testing.T) {
	f := NewFakeAdapter()
	f.SetPhysInfo(PhysInfo{FreeMemoryKiB: 100, MemoryTotalKiB: 1000, CPUs: 2})

	pi, err := f.PhysInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(100), pi.FreeMemoryKiB)
	require.Equal(t, 2, pi.CPUs)
}
