package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/confbus"
	"github.com/openqube/qubesd/internal/hypervisor"
	"github.com/openqube/qubesd/internal/qube"
)

type fakeBuses struct {
	mu       sync.Mutex
	buses    map[string]confbus.Bus
	released []string
}

func newFakeBuses() *fakeBuses {
	return &fakeBuses{buses: make(map[string]confbus.Bus)}
}

func (f *fakeBuses) AcquireBus(name string) confbus.Bus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.buses[name]; ok {
		return b
	}
	b := confbus.NewMemBus()
	f.buses[name] = b
	return b
}

func (f *fakeBuses) ReleaseBus(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buses, name)
	f.released = append(f.released, name)
}

// failingBus rejects every write, to exercise the kill-on-failure path
// between create-paused and unpause.
type failingBus struct{ confbus.Bus }

func (failingBus) Write(context.Context, string, string) error {
	return errors.New("bus unavailable")
}

type failingBuses struct{}

func (failingBuses) AcquireBus(string) confbus.Bus { return failingBus{} }
func (failingBuses) ReleaseBus(string)             {}

// fakeQrexec records StartDaemon calls and lets a test script agent
// reachability; a wait=true start marks the agent connected, the way
// the real daemon blocks until it is.
type fakeQrexec struct {
	mu        sync.Mutex
	reachable map[string]bool
	waited    map[string]bool
}

func newFakeQrexec() *fakeQrexec {
	return &fakeQrexec{reachable: make(map[string]bool), waited: make(map[string]bool)}
}

func (f *fakeQrexec) StartDaemon(_ context.Context, name string, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited[name] = wait
	f.reachable[name] = wait
	return nil
}

func (f *fakeQrexec) Reachable(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable[name]
}

func (f *fakeQrexec) setReachable(name string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reachable[name] = v
}

func TestStartWaitsForQrexecByDefault(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	fq := newFakeQrexec()
	mgr.Qrexec = fq

	addQube(t, app, 1, "work", qube.ClassApp)
	require.NoError(t, mgr.Start(ctx, "work"))

	require.True(t, fq.waited["work"])

	state, err := mgr.PowerState(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, qube.Running, state)
}

func TestQrexecFeatureFalseStartsNonWaiting(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	fq := newFakeQrexec()
	mgr.Qrexec = fq

	q := addQube(t, app, 1, "work", qube.ClassApp)
	require.NoError(t, q.Features.Set("qrexec", false))

	require.NoError(t, mgr.Start(ctx, "work"))
	require.False(t, fq.waited["work"])

	// Up at the hypervisor but no agent connected: Transient, not Running.
	state, err := mgr.PowerState(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, qube.Transient, state)
}

func TestRunningQubeTurnsTransientWhenQrexecDrops(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	fq := newFakeQrexec()
	mgr.Qrexec = fq

	addQube(t, app, 1, "work", qube.ClassApp)
	require.NoError(t, mgr.Start(ctx, "work"))

	fq.setReachable("work", false)
	state, err := mgr.PowerState(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, qube.Transient, state)

	fq.setReachable("work", true)
	state, err = mgr.PowerState(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, qube.Running, state)
}

func TestPMSuspendedDomainReadsAsSuspended(t *testing.T) {
	mgr, app, hv := newTestManager(t)
	ctx := context.Background()

	addQube(t, app, 1, "work", qube.ClassApp)
	require.NoError(t, mgr.Start(ctx, "work"))

	hv.ForceState("work", hypervisor.DomainPMSuspended)

	state, err := mgr.PowerState(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, qube.Suspended, state)
}

func TestDom0LifecycleOperationsForbidden(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	require.Error(t, mgr.Start(ctx, "dom0"))
	require.Error(t, mgr.Shutdown(ctx, "dom0"))
	require.Error(t, mgr.Kill(ctx, "dom0"))
	require.Error(t, mgr.Pause(ctx, "dom0"))
	require.Error(t, mgr.Resume(ctx, "dom0"))
	require.Error(t, mgr.Rename(ctx, "dom0", "dom1"))
	require.Error(t, mgr.Remove(ctx, "dom0"))
	require.Error(t, mgr.AttachNetvm(ctx, "dom0", "sys-net"))

	state, err := mgr.PowerState(ctx, "dom0")
	require.NoError(t, err)
	require.Equal(t, qube.Running, state, "dom0 is Running by definition")
}

func TestStartProhibitedByFeature(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	q := addQube(t, app, 1, "work", qube.ClassApp)
	require.NoError(t, q.Features.Set("prohibit-start", "1"))

	require.Error(t, mgr.Start(ctx, "work"))

	state, err := mgr.PowerState(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, qube.Halted, state)
}

func TestStartWritesIdentityToBusBeforeRunning(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	buses := newFakeBuses()
	mgr.Buses = buses

	netvm := addQube(t, app, 1, "sys-net", qube.ClassApp)
	require.NoError(t, netvm.Store.SetRaw("provides_network", true))
	q := addQube(t, app, 2, "work", qube.ClassApp)
	require.NoError(t, q.Store.SetRaw("netvm", "sys-net"))

	require.NoError(t, mgr.Start(ctx, "work"))

	b := buses.AcquireBus("work")
	name, ok, err := b.Read(ctx, "/name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "work", name)

	ip, ok, err := b.Read(ctx, "/qubes-ip")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, q.IP(), ip)

	gw, ok, err := b.Read(ctx, "/qubes-gateway")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, q.Gateway(), gw)

	// sys-net has no netvm of its own: identity yes, gateway no.
	_, ok, err = buses.AcquireBus("sys-net").Read(ctx, "/qubes-gateway")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStopReleasesBus(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	buses := newFakeBuses()
	mgr.Buses = buses

	addQube(t, app, 1, "work", qube.ClassApp)
	require.NoError(t, mgr.Start(ctx, "work"))
	require.NoError(t, mgr.Shutdown(ctx, "work"))

	require.Contains(t, buses.released, "work")
}

func TestStartKillsDomainWhenBusWriteFails(t *testing.T) {
	mgr, app, hv := newTestManager(t)
	ctx := context.Background()

	mgr.Buses = failingBuses{}

	q := addQube(t, app, 1, "work", qube.ClassApp)

	require.Error(t, mgr.Start(ctx, "work"))

	state, _, err := hv.State(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, hypervisor.DomainShutoff, state, "a failed start must not leave the domain behind")
	require.Equal(t, -1, q.XID())
}

func TestStartFiresSpawnThenStart(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	addQube(t, app, 1, "work", qube.ClassApp)

	var order []string
	app.Bus().Subscribe("work", "domain-spawn", func(_, _ string, _ map[string]any) (any, error) {
		order = append(order, "spawn")
		return nil, nil
	})
	app.Bus().Subscribe("work", "domain-start", func(_, _ string, _ map[string]any) (any, error) {
		order = append(order, "start")
		return nil, nil
	})

	require.NoError(t, mgr.Start(ctx, "work"))
	require.Equal(t, []string{"spawn", "start"}, order)
}
