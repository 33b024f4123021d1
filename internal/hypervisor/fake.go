package hypervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/openqube/qubesd/internal/qerrors"
)

// FakeAdapter is an in-memory Adapter for tests: no real hypervisor, no
// libvirt socket. It tracks domains by name and answers State/PhysInfo
// from that bookkeeping, the way the reference daemon's test suite
// swaps in an in-memory backend driver rather than touching real LVM.
type FakeAdapter struct {
	mu       sync.Mutex
	defined  map[string]DomainConfig
	state    map[string]DomainState
	xid      map[string]int
	nics     map[string]map[string]bool // domain -> backend netvm set
	nextXID  int
	physinfo PhysInfo

	cbMu      sync.Mutex
	callbacks []func(LifecycleEvent)
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		defined: make(map[string]DomainConfig),
		state:   make(map[string]DomainState),
		xid:     make(map[string]int),
		nics:    make(map[string]map[string]bool),
		nextXID: 1,
		physinfo: PhysInfo{
			FreeMemoryKiB:  8 << 20,
			MemoryTotalKiB: 16 << 20,
			CPUs:           4,
		},
	}
}

// ForceState overrides a domain's reported state directly, for test
// scenarios the normal transitions can't produce (e.g. pmsuspended).
func (f *FakeAdapter) ForceState(name string, s DomainState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[name] = s
}

// SetPhysInfo lets a test script the free/total memory FakeAdapter
// reports, e.g. to exercise the balancer's low-memory paths.
func (f *FakeAdapter) SetPhysInfo(p PhysInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.physinfo = p
}

func (f *FakeAdapter) Connect(ctx context.Context, uri string) error { return nil }
func (f *FakeAdapter) Close() error                                  { return nil }

func (f *FakeAdapter) Define(ctx context.Context, cfg DomainConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defined[cfg.Name] = cfg
	f.state[cfg.Name] = DomainShutoff
	return nil
}

func (f *FakeAdapter) Undefine(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state[name] == DomainRunning || f.state[name] == DomainPaused {
		return qerrors.Preconditionf("qube %s is running", name)
	}
	delete(f.defined, name)
	delete(f.state, name)
	delete(f.xid, name)
	return nil
}

func (f *FakeAdapter) Create(ctx context.Context, name string, paused bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defined[name]; !ok {
		return 0, qerrors.Preconditionf("qube %s is not defined", name)
	}
	x := f.nextXID
	f.nextXID++
	f.xid[name] = x
	if paused {
		f.state[name] = DomainPaused
	} else {
		f.state[name] = DomainRunning
	}
	f.fireLocked(LifecycleEvent{DomainName: name, State: f.state[name]})
	return x, nil
}

func (f *FakeAdapter) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[name] = DomainShutoff
	delete(f.xid, name)
	f.fireLocked(LifecycleEvent{DomainName: name, State: DomainShutoff})
	return nil
}

func (f *FakeAdapter) Shutdown(ctx context.Context, name string) error {
	return f.Destroy(ctx, name)
}

func (f *FakeAdapter) Suspend(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state[name] != DomainRunning {
		return qerrors.Preconditionf("qube %s is not running", name)
	}
	f.state[name] = DomainPaused
	return nil
}

func (f *FakeAdapter) Resume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state[name] != DomainPaused {
		return qerrors.Preconditionf("qube %s is not paused", name)
	}
	f.state[name] = DomainRunning
	return nil
}

func (f *FakeAdapter) Unpause(ctx context.Context, name string) error {
	return f.Resume(ctx, name)
}

// Balloon updates the domain's tracked memory and, to keep tests
// deterministic without a real guest balloon driver, immediately folds
// the delta into physinfo's free memory the way a real host eventually
// would once the guest actually releases the pages.
func (f *FakeAdapter) Balloon(ctx context.Context, name string, targetKiB int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.defined[name]
	delta := cfg.MemoryKiB - targetKiB
	cfg.MemoryKiB = targetKiB
	f.defined[name] = cfg
	f.physinfo.FreeMemoryKiB += delta
	return nil
}

func (f *FakeAdapter) AttachNIC(ctx context.Context, name, netvmName, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defined[name]; !ok {
		return qerrors.Preconditionf("qube %s is not defined", name)
	}
	if f.nics[name] == nil {
		f.nics[name] = make(map[string]bool)
	}
	f.nics[name][netvmName] = true
	return nil
}

// DetachNIC is idempotent: detaching a NIC that was never attached is a
// no-op, the way libvirt treats a detach of an already-gone device on
// the reattach path.
func (f *FakeAdapter) DetachNIC(ctx context.Context, name, netvmName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nics[name], netvmName)
	return nil
}

// NICBackends reports the netvms currently backing a domain's NICs,
// sorted, for test assertions.
func (f *FakeAdapter) NICBackends(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.nics[name]))
	for n := range f.nics[name] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (f *FakeAdapter) DomainMemory(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.defined[name]
	if !ok {
		return 0, qerrors.Preconditionf("qube %s is not defined", name)
	}
	return cfg.MemoryKiB, nil
}

func (f *FakeAdapter) State(ctx context.Context, name string) (DomainState, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.state[name]
	if !ok {
		return DomainShutoff, -1, nil
	}
	x, ok := f.xid[name]
	if !ok {
		x = -1
	}
	return s, x, nil
}

func (f *FakeAdapter) PhysInfo(ctx context.Context) (PhysInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.physinfo, nil
}

func (f *FakeAdapter) RegisterLifecycleCallback(cb func(LifecycleEvent)) (func(), error) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.callbacks = append(f.callbacks, cb)
	idx := len(f.callbacks) - 1
	return func() {
		f.cbMu.Lock()
		defer f.cbMu.Unlock()
		if idx < len(f.callbacks) {
			f.callbacks[idx] = nil
		}
	}, nil
}

func (f *FakeAdapter) fireLocked(ev LifecycleEvent) {
	f.cbMu.Lock()
	cbs := append([]func(LifecycleEvent){}, f.callbacks...)
	f.cbMu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(ev)
		}
	}
}
