package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/qube"
)

func TestNetvmChangeReattachesNICOnHypervisor(t *testing.T) {
	mgr, app, hv := newTestManager(t)
	ctx := context.Background()

	buses := newFakeBuses()
	mgr.Buses = buses

	sysA := addQube(t, app, 1, "sys-a", qube.ClassApp)
	require.NoError(t, sysA.Store.SetRaw("provides_network", true))
	sysB := addQube(t, app, 2, "sys-b", qube.ClassApp)
	require.NoError(t, sysB.Store.SetRaw("provides_network", true))

	work := addQube(t, app, 3, "work", qube.ClassApp)
	require.NoError(t, work.Store.SetRaw("netvm", "sys-a"))
	work.SetFirewall([]qube.FirewallRule{{Action: "accept", Proto: "tcp", DstPorts: "443"}})

	require.NoError(t, mgr.Start(ctx, "work"))
	require.NoError(t, mgr.Start(ctx, "sys-b"))

	require.NoError(t, mgr.AttachNetvm(ctx, "work", "sys-b"))

	require.Equal(t, []string{"sys-b"}, hv.NICBackends("work"))

	rule, ok, err := buses.AcquireBus("sys-b").Read(ctx, "/qubes-firewall/"+work.IP()+"/0000")
	require.NoError(t, err)
	require.True(t, ok, "the new netvm must receive the qube's firewall rules")
	require.Contains(t, rule, "action=accept")

	require.NoError(t, mgr.DetachNetvm(ctx, "work"))
	require.Empty(t, hv.NICBackends("work"))
}

func TestNetvmChangeOnHaltedQubeSkipsHypervisor(t *testing.T) {
	mgr, app, hv := newTestManager(t)
	ctx := context.Background()

	net := addQube(t, app, 1, "sys-net", qube.ClassApp)
	require.NoError(t, net.Store.SetRaw("provides_network", true))
	addQube(t, app, 2, "work", qube.ClassApp)

	require.NoError(t, mgr.AttachNetvm(ctx, "work", "sys-net"))
	require.Empty(t, hv.NICBackends("work"), "a halted qube has no NIC to move")
}

func TestNetvmChangeToHaltedNetvmDefersAttach(t *testing.T) {
	mgr, app, hv := newTestManager(t)
	ctx := context.Background()

	sysA := addQube(t, app, 1, "sys-a", qube.ClassApp)
	require.NoError(t, sysA.Store.SetRaw("provides_network", true))
	sysB := addQube(t, app, 2, "sys-b", qube.ClassApp)
	require.NoError(t, sysB.Store.SetRaw("provides_network", true))

	work := addQube(t, app, 3, "work", qube.ClassApp)
	require.NoError(t, work.Store.SetRaw("netvm", "sys-a"))

	require.NoError(t, mgr.Start(ctx, "work"))

	// sys-b is halted: the old NIC goes away now and no NIC is attached
	// to sys-b; only the netvm property records the new choice.
	require.NoError(t, mgr.AttachNetvm(ctx, "work", "sys-b"))
	require.Empty(t, hv.NICBackends("work"))

	v, _, err := work.Store.Get("netvm")
	require.NoError(t, err)
	require.Equal(t, "sys-b", v)
}
