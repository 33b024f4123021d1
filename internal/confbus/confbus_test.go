package confbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemBusReadWriteRm(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()

	_, ok, err := b.Read(ctx, "/qubes-ip")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Write(ctx, "/qubes-ip", "10.137.0.2"))
	v, ok, err := b.Read(ctx, "/qubes-ip")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.137.0.2", v)

	require.NoError(t, b.Rm(ctx, "/qubes-ip"))
	_, ok, err = b.Read(ctx, "/qubes-ip")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemBusListPrefix(t *testing.T) {
	b := NewMemBus()
	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "/qubes-netvm/gateway", "10.137.0.1"))
	require.NoError(t, b.Write(ctx, "/qubes-netvm/netmask", "255.255.255.0"))
	require.NoError(t, b.Write(ctx, "/qubes-vm-type", "AppVM"))

	got, err := b.List(ctx, "/qubes-netvm/")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "10.137.0.1", got["/qubes-netvm/gateway"])
}

func TestMemBusWatch(t *testing.T) {
	b := NewMemBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Watch(ctx, "/qubes-ip")
	require.NoError(t, err)

	require.NoError(t, b.Write(context.Background(), "/qubes-ip", "10.137.0.5"))

	select {
	case ev := <-ch:
		require.Equal(t, EventWrite, ev.Kind)
		require.Equal(t, "10.137.0.5", ev.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}
