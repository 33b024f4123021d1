// Package hypervisor defines the external hypervisor adapter of spec §6
// and a libvirt-backed implementation. The daemon never talks to libvirt
// (or an equivalent) directly outside this package — lifecycle (C4) and
// the balancer (C7) only see the Adapter interface, so tests can inject a
// fake the way the reference daemon's Daemon.os/Daemon.cluster fields are
// constructor-injected rather than global singletons (design notes §9).
package hypervisor

import "context"

// PhysInfo is the subset of the hypervisor's host info the balancer and
// lifecycle need (spec §6 "get physinfo").
type PhysInfo struct {
	FreeMemoryKiB  int64
	MemoryTotalKiB int64
	CPUs           int
}

// DomainState mirrors the coarse state the hypervisor reports; lifecycle
// (C4) maps this onto the richer PowerState including the qrexec-reachable
// probe.
type DomainState string

const (
	DomainNoState     DomainState = "nostate"
	DomainRunning     DomainState = "running"
	DomainPaused      DomainState = "paused"
	DomainShutdown    DomainState = "shutdown"
	DomainShutoff     DomainState = "shutoff"
	DomainCrashed     DomainState = "crashed"
	DomainPMSuspended DomainState = "pmsuspended"
)

// DomainConfig is the rendered configuration passed to Define — the
// result of the per-qube config render the reference daemon builds
// before forkstart (container_lxc.go's startCommon/configPath).
type DomainConfig struct {
	Name       string
	UUID       string
	MemoryKiB  int64
	MaxMemKiB  int64
	VCPUs      int
	Kernel     string
	KernelOpts string
	VirtMode   string
}

// LifecycleEvent is delivered to a registered callback on domain state
// transitions observed out-of-band (e.g. a guest crash).
type LifecycleEvent struct {
	DomainName string
	State      DomainState
}

// Adapter is the external hypervisor binding of spec §6. Implementations
// must transparently reconnect on connection-lost errors and reissue the
// failed call at most once (spec §5), and must re-register the event
// callback across reconnects.
type Adapter interface {
	Connect(ctx context.Context, uri string) error
	Close() error

	Define(ctx context.Context, cfg DomainConfig) error
	Undefine(ctx context.Context, name string) error
	Create(ctx context.Context, name string, paused bool) (xid int, err error)
	Destroy(ctx context.Context, name string) error
	Shutdown(ctx context.Context, name string) error
	Suspend(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Unpause(ctx context.Context, name string) error

	// Balloon requests the domain be set to targetKiB. It does not block
	// until the guest actually reaches that size.
	Balloon(ctx context.Context, name string, targetKiB int64) error

	// AttachNIC plugs a virtual NIC backed by netvmName into the running
	// domain; DetachNIC unplugs it again. Used when a running qube's
	// netvm assignment changes.
	AttachNIC(ctx context.Context, name, netvmName, mac string) error
	DetachNIC(ctx context.Context, name, netvmName string) error

	State(ctx context.Context, name string) (DomainState, int, error) // state, xid

	// DomainMemory returns the domain's current (actual) memory
	// allotment in KiB — the balancer's "actual" input (spec §4.7),
	// last set by Define's initial size or a subsequent Balloon call.
	DomainMemory(ctx context.Context, name string) (int64, error)

	PhysInfo(ctx context.Context) (PhysInfo, error)

	// RegisterLifecycleCallback installs cb, re-registering it
	// automatically across reconnects. Returns an unregister func.
	RegisterLifecycleCallback(cb func(LifecycleEvent)) (unregister func(), err error)
}
