// Package daemon wires together every component package into one running
// process: the App/Store/Collection, the hypervisor and storage pool
// adapters, the three management-API sockets of spec §4.6, the memory
// balancer's periodic loop, and daily maintenance. This mirrors the
// reference daemon's own daemon.go, which holds one struct assembling
// every subsystem (cluster gateway, storage pools, network, event
// server) behind a single Start/Stop pair rather than scattering process
// lifetime across main().
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openqube/qubesd/internal/balancer"
	"github.com/openqube/qubesd/internal/confbus"
	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/hypervisor"
	"github.com/openqube/qubesd/internal/lifecycle"
	"github.com/openqube/qubesd/internal/logging"
	"github.com/openqube/qubesd/internal/mgmt"
	"github.com/openqube/qubesd/internal/policy"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
	"github.com/openqube/qubesd/internal/storagepool"
	"github.com/openqube/qubesd/internal/store"
)

// Config is the daemon's top-level configuration, mirroring the
// reference daemon's defaultDaemonConfig()+newDaemon(config) shape:
// DefaultConfig supplies the production paths, and cmd/qubesd exposes
// most fields as CLI flags. No config file is read.
type Config struct {
	StorePath string

	AdminSocketPath    string
	InternalSocketPath string
	MiscSocketPath     string

	PolicyDir string

	LibvirtURI string

	StoragePools map[string]PoolOpen

	// UseFakeHypervisor swaps in the in-memory hypervisor adapter, for
	// environments with no libvirt socket (tests, demo/dev mode).
	UseFakeHypervisor bool

	// UseAlternativeSetMem forwards to the balancer's documented
	// fallback path; defaulted false (spec §9 Open Question).
	UseAlternativeSetMem bool

	// DisableIdleBalance, if set, skips starting the periodic balance
	// loop entirely (distinct from the /etc/do-not-membalance sentinel,
	// which the balancer itself checks every tick).
	DisableIdleBalance bool
}

// PoolOpen constructs a storagepool.Pool for a PoolConfig entry loaded
// from the store; the daemon only knows how to open the "dir" driver out
// of the box, but callers may register others.
type PoolOpen func(cfg qube.PoolConfig) (storagepool.Pool, error)

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StorePath:          "/var/lib/qubes/qubes.xml",
		AdminSocketPath:    "/var/run/qubesd.sock",
		InternalSocketPath: "/var/run/qubesd.internal.sock",
		MiscSocketPath:     "/var/run/qubesd.misc.sock",
		PolicyDir:          "/etc/qubes-rpc/policy",
	}
}

// Daemon is one running process: every subsystem plus the listeners and
// background loops that were started, so Stop can tear them down in the
// right order.
type Daemon struct {
	Config Config

	Bus       *events.Bus
	App       *qube.App
	Store     *store.Store
	HV        hypervisor.Adapter
	Lifecycle *lifecycle.Manager
	Policy    *policy.Engine
	Executor  *policy.Executor
	Balancer  *balancer.Balancer

	buses   map[string]confbus.Bus
	busesMu sync.RWMutex

	cron *cron.Cron

	listeners []net.Listener
	servers   []*mgmt.Server
	cancel    context.CancelFunc
}

// New loads (or bootstraps) the App from cfg.StorePath and wires every
// subsystem together, without yet binding sockets or starting background
// loops — call Start for that.
func New(cfg Config) (*Daemon, error) {
	bus := events.NewBus()
	st := store.New(cfg.StorePath)
	app, err := st.Load(bus)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.External, err, "loading store")
	}

	var hv hypervisor.Adapter
	if cfg.UseFakeHypervisor {
		hv = hypervisor.NewFakeAdapter()
	} else {
		lv := hypervisor.NewLibvirtAdapter()
		if err := lv.Connect(context.Background(), cfg.LibvirtURI); err != nil {
			return nil, qerrors.Wrap(qerrors.External, err, "connecting to libvirt")
		}
		hv = lv
	}

	pools := make(map[string]storagepool.Pool)
	for name, pcfg := range app.Pools() {
		open, ok := cfg.StoragePools[name]
		if !ok {
			open = func(c qube.PoolConfig) (storagepool.Pool, error) {
				return storagepool.NewDirPool(c.Name, c.Config["path"]), nil
			}
		}
		p, err := open(pcfg)
		if err != nil {
			return nil, qerrors.Wrap(qerrors.External, err, "opening storage pool %q", name)
		}
		pools[name] = p
	}

	d := &Daemon{
		Config: cfg,
		Bus:    bus,
		App:    app,
		Store:  st,
		HV:     hv,
		buses:  make(map[string]confbus.Bus),
	}

	bal := balancer.New(app, hv, d.lookupBus)
	bal.UseAlternativeSetMem = cfg.UseAlternativeSetMem
	d.Balancer = bal

	d.Lifecycle = lifecycle.NewManager(app, hv, pools, bal)
	d.Lifecycle.Buses = d
	if !cfg.UseFakeHypervisor {
		// The fake-hypervisor mode has no qrexec stack to shell out to;
		// leaving Qrexec nil there makes running domains read as fully
		// usable without the probe.
		d.Lifecycle.Qrexec = lifecycle.NewProcessQrexec()
	}

	policyEngine := policy.NewEngine()
	if cfg.PolicyDir != "" {
		if err := loadPolicyDir(policyEngine, cfg.PolicyDir); err != nil {
			return nil, err
		}
	}
	d.Policy = policyEngine
	d.Executor = policy.NewExecutor(policyEngine, newAppResolver(app), d.Lifecycle, nil)

	return d, nil
}

func loadPolicyDir(e *policy.Engine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return qerrors.Wrap(qerrors.External, err, "reading policy directory")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, err := os.Open(dir + "/" + entry.Name())
		if err != nil {
			return qerrors.Wrap(qerrors.External, err, "opening policy file %s", entry.Name())
		}
		err = e.Load(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// BindBus registers a qube's configuration bus (typically called as a
// qube transitions to Running), so the balancer's pull loop and
// mgmt.MiscHandlers can find it by name.
func (d *Daemon) BindBus(qubeName string, bus confbus.Bus) {
	d.busesMu.Lock()
	defer d.busesMu.Unlock()
	d.buses[qubeName] = bus
}

// UnbindBus drops a qube's configuration bus once it stops.
func (d *Daemon) UnbindBus(qubeName string) {
	d.busesMu.Lock()
	defer d.busesMu.Unlock()
	delete(d.buses, qubeName)
}

func (d *Daemon) lookupBus(qubeName string) (confbus.Bus, bool) {
	d.busesMu.RLock()
	defer d.busesMu.RUnlock()
	b, ok := d.buses[qubeName]
	return b, ok
}

// AcquireBus implements lifecycle.BusProvider: return the qube's bound
// configuration bus, creating and binding an in-process one on first
// use (the guest-side transport attaches to it out of band).
func (d *Daemon) AcquireBus(qubeName string) confbus.Bus {
	d.busesMu.Lock()
	defer d.busesMu.Unlock()
	if b, ok := d.buses[qubeName]; ok {
		return b
	}
	b := confbus.NewMemBus()
	d.buses[qubeName] = b
	return b
}

// ReleaseBus implements lifecycle.BusProvider.
func (d *Daemon) ReleaseBus(qubeName string) {
	d.UnbindBus(qubeName)
}

// Start binds the three sockets, begins serving, starts the balancer's
// idle loop, and schedules daily maintenance. It returns once every
// listener is bound; serving happens on background goroutines.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	admin, err := d.bind(ctx, d.Config.AdminSocketPath, d.adminServer())
	if err != nil {
		return err
	}
	internalSrv, err := d.bind(ctx, d.Config.InternalSocketPath, d.internalServer())
	if err != nil {
		return err
	}
	miscSrv, err := d.bind(ctx, d.Config.MiscSocketPath, d.miscServer())
	if err != nil {
		return err
	}
	d.servers = []*mgmt.Server{admin, internalSrv, miscSrv}

	if !d.Config.DisableIdleBalance {
		d.Balancer.Start(ctx)
	}

	d.cron = cron.New()
	if _, err := d.cron.AddFunc("@daily", d.dailyMaintenance); err != nil {
		return qerrors.Wrap(qerrors.Bug, err, "scheduling daily maintenance")
	}
	d.cron.Start()

	logging.Info("qubesd started", logging.Ctx{"store": d.Config.StorePath})
	return nil
}

func (d *Daemon) bind(ctx context.Context, path string, srv *mgmt.Server) (*mgmt.Server, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.External, err, "binding socket %s", path)
	}
	d.listeners = append(d.listeners, l)
	go func() {
		if err := srv.Serve(ctx, l); err != nil {
			logging.Warn("mgmt listener stopped", logging.Ctx{"socket": path, "err": err.Error()})
		}
	}()
	return srv, nil
}

func (d *Daemon) adminServer() *mgmt.Server {
	reg := mgmt.NewRegistry(d.Bus)
	admin := &mgmt.AdminHandlers{App: d.App, Lifecycle: d.Lifecycle}
	mutating := admin.Register(reg)
	admin.RegisterEvents(reg)
	return mgmt.NewServer(reg, d.Store, d.App, mutating)
}

func (d *Daemon) internalServer() *mgmt.Server {
	reg := mgmt.NewRegistry(d.Bus)
	h := &mgmt.InternalHandlers{App: d.App, Lifecycle: d.Lifecycle, Executor: d.Executor}
	mutating := h.Register(reg)
	return mgmt.NewServer(reg, d.Store, d.App, mutating)
}

func (d *Daemon) miscServer() *mgmt.Server {
	reg := mgmt.NewRegistry(d.Bus)
	h := &mgmt.MiscHandlers{App: d.App}
	mutating := h.Register(reg)
	return mgmt.NewServer(reg, d.Store, d.App, mutating)
}

// dailyMaintenance resets the update-check flag on every template (so
// the next boot re-checks) and persists the store. It does not touch
// disposable-qube ids; those are released only when Remove deletes the
// disposable qube.
func (d *Daemon) dailyMaintenance() {
	logging.Info("running daily maintenance", nil)
	for _, q := range d.App.Collection.All() {
		if q.Class() == qube.ClassTemplate {
			if err := q.Features.Set("updates-available", false); err != nil {
				logging.Warn("daily maintenance: clearing updates-available failed", logging.Ctx{"qube": q.Name(), "err": err.Error()})
			}
		}
	}
	if err := d.Store.Save(d.App); err != nil {
		logging.Warn("daily maintenance: persisting store failed", logging.Ctx{"err": err.Error()})
	}
}

// Stop tears down listeners, the balancer loop, and cron, waiting up to
// timeout for in-flight work.
func (d *Daemon) Stop(timeout time.Duration) error {
	if d.cancel != nil {
		d.cancel()
	}
	for _, l := range d.listeners {
		_ = l.Close()
	}
	if d.cron != nil {
		cronCtx := d.cron.Stop()
		<-cronCtx.Done()
	}
	if d.Balancer != nil {
		if err := d.Balancer.Stop(timeout); err != nil {
			return fmt.Errorf("stopping balancer: %w", err)
		}
	}
	return nil
}
