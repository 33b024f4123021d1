package lifecycle

import (
	"context"

	"github.com/openqube/qubesd/internal/logging"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
	"github.com/openqube/qubesd/internal/storagepool"
)

// Start brings a qube up, recursively starting its netvm first (spec
// §4.4's start-order dependency). A qube already running is a no-op, not
// an error — callers that want strictness check PowerState themselves.
func (m *Manager) Start(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	if q.Class() == qube.ClassAdmin {
		return qerrors.Preconditionf("dom0 cannot be started")
	}
	return m.start(ctx, q, map[string]bool{})
}

// seen guards against a netvm cycle slipping past ValidateNetvmRef (e.g.
// a cycle introduced directly in the XML store rather than through the
// property setter).
func (m *Manager) start(ctx context.Context, q *qube.Qube, seen map[string]bool) error {
	// Checked before taking q's lock: a self-referential or cyclic netvm
	// chain would otherwise recurse into locking a key this goroutine
	// already holds, deadlocking on the non-reentrant keyedMutex.
	if seen[q.Name()] {
		return qerrors.Preconditionf("netvm cycle detected starting %q", q.Name())
	}
	seen[q.Name()] = true

	unlock := m.locks.Lock(q.Name())
	defer unlock()

	running, err := m.isRunning(ctx, q)
	if err != nil {
		return err
	}
	if running {
		return nil
	}

	if q.Features.Bool("prohibit-start") {
		return qerrors.Preconditionf("qube %q has start prohibited", q.Name())
	}

	if netvmName := strProp(q, "netvm"); netvmName != "" {
		netvm, ok := m.App.Collection.ByName(netvmName)
		if !ok {
			return qerrors.Validationf("qube %q references missing netvm %q", q.Name(), netvmName)
		}
		if err := m.start(ctx, netvm, seen); err != nil {
			return qerrors.Wrap(qerrors.Precondition, err, "starting netvm %q for %q", netvmName, q.Name())
		}
	}

	if err := m.App.Bus().FirePre(q, "domain-pre-start", map[string]any{"qube": q.Name()}); err != nil {
		return err
	}

	if err := m.verifyVolumes(ctx, q); err != nil {
		return err
	}

	if m.Balancer != nil {
		cfg := m.domainConfig(q)
		requested := cfg.MaxMemKiB
		if requested <= 0 {
			requested = cfg.MemoryKiB
		}
		if err := m.Balancer.Allocate(ctx, requested); err != nil {
			return qerrors.Wrap(qerrors.Resource, err, "allocating memory to start %q", q.Name())
		}
	}

	if err := m.HV.Define(ctx, m.domainConfig(q)); err != nil {
		return qerrors.Wrap(qerrors.External, err, "define domain %q", q.Name())
	}

	// The domain comes up paused so the identity/network entries land on
	// its configuration bus before the guest's first instruction runs.
	// Anything failing between here and the unpause kills the domain
	// rather than leaving orphaned memory behind.
	xid, err := m.HV.Create(ctx, q.Name(), true)
	if err != nil {
		return qerrors.Wrap(qerrors.External, err, "create domain %q", q.Name())
	}
	q.SetXID(xid)

	_, _ = m.App.Bus().Fire(q, "domain-spawn", map[string]any{"qube": q.Name()})

	if err := m.writeBusEntries(ctx, q); err != nil {
		_ = m.HV.Destroy(ctx, q.Name())
		q.SetXID(-1)
		return err
	}

	if err := m.HV.Unpause(ctx, q.Name()); err != nil {
		_ = m.HV.Destroy(ctx, q.Name())
		q.SetXID(-1)
		return qerrors.Wrap(qerrors.External, err, "unpause domain %q", q.Name())
	}

	if err := m.startQrexec(ctx, q); err != nil {
		_ = m.HV.Destroy(ctx, q.Name())
		q.SetXID(-1)
		return err
	}

	logQube("qube started", q, nil)
	_, _ = m.App.Bus().Fire(q, "domain-start", map[string]any{"qube": q.Name()})
	return nil
}

// startQrexec launches the per-qube qrexec helper. A qrexec feature
// explicitly set false marks a guest with no agent to wait for, so the
// helper starts in non-waiting mode.
func (m *Manager) startQrexec(ctx context.Context, q *qube.Qube) error {
	if m.Qrexec == nil {
		return nil
	}
	wait := true
	if v, ok := q.Features.Get("qrexec"); ok && v == "" {
		wait = false
	}
	if err := m.Qrexec.StartDaemon(ctx, q.Name(), wait); err != nil {
		return qerrors.Wrap(qerrors.External, err, "starting qrexec for %q", q.Name())
	}
	return nil
}

// verifyVolumes runs each owned volume through its pool's consistency
// check before the domain is defined (spec §4.4 step 1).
func (m *Manager) verifyVolumes(ctx context.Context, q *qube.Qube) error {
	for _, v := range q.Volumes() {
		pool, err := m.pool(v.Pool)
		if err != nil {
			return err
		}
		vol := storagepool.Volume{QubeName: q.Name(), Kind: storagepool.VolumeKind(v.Name), Pool: v.Pool, SizeKiB: v.SizeKiB}
		if err := pool.Verify(ctx, vol); err != nil {
			return qerrors.Wrap(qerrors.External, err, "verify volume %q of %q", v.Name, q.Name())
		}
	}
	return nil
}

// writeBusEntries publishes the qube's identity and network entries to
// its configuration bus while the domain is still paused.
func (m *Manager) writeBusEntries(ctx context.Context, q *qube.Qube) error {
	if m.Buses == nil {
		return nil
	}
	bus := m.Buses.AcquireBus(q.Name())
	entries := map[string]string{
		"/name":          q.Name(),
		"/qubes-vm-type": string(q.Class()),
		"/qubes-ip":      q.IP(),
	}
	if strProp(q, "netvm") != "" {
		entries["/qubes-gateway"] = q.Gateway()
	}
	for k, v := range entries {
		if err := bus.Write(ctx, k, v); err != nil {
			return qerrors.Wrap(qerrors.External, err, "writing %s to configuration bus of %q", k, q.Name())
		}
	}
	return nil
}

// Shutdown requests a graceful stop, first shutting down every qube that
// uses this one as its netvm (spec §4.4's stop-order dependency — a
// netvm never stops while something still depends on it).
func (m *Manager) Shutdown(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	if q.Class() == qube.ClassAdmin {
		return qerrors.Preconditionf("dom0 cannot be shut down")
	}
	return m.shutdown(ctx, q, false)
}

// Kill is an immediate, non-graceful stop — the equivalent of
// virsh destroy rather than virsh shutdown.
func (m *Manager) Kill(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	if q.Class() == qube.ClassAdmin {
		return qerrors.Preconditionf("dom0 cannot be killed")
	}
	return m.shutdown(ctx, q, true)
}

func (m *Manager) shutdown(ctx context.Context, q *qube.Qube, force bool) error {
	for _, dependent := range m.App.Collection.ConnectedVMs(q) {
		if err := m.shutdown(ctx, dependent, force); err != nil {
			return qerrors.Wrap(qerrors.Precondition, err, "stopping dependent %q of %q", dependent.Name(), q.Name())
		}
	}

	if err := m.stopLocked(ctx, q, force); err != nil {
		return err
	}

	// Remove acquires q's lock itself, so it must run after stopLocked's
	// own lock has been released — never nest keyedMutex.Lock calls for
	// the same key on one goroutine.
	if q.AutoCleanup() {
		if err := m.Remove(ctx, q.Name()); err != nil {
			return qerrors.Wrap(qerrors.Bug, err, "auto-cleanup of disposable %q", q.Name())
		}
	}
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, q *qube.Qube, force bool) error {
	unlock := m.locks.Lock(q.Name())
	defer unlock()

	running, err := m.isRunning(ctx, q)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	if err := m.App.Bus().FirePre(q, "domain-pre-shutdown", map[string]any{"qube": q.Name(), "force": force}); err != nil {
		return err
	}

	if force {
		err = m.HV.Destroy(ctx, q.Name())
	} else {
		err = m.HV.Shutdown(ctx, q.Name())
	}
	if err != nil {
		return qerrors.Wrap(qerrors.External, err, "stop domain %q", q.Name())
	}
	q.SetXID(-1)

	if m.Buses != nil {
		m.Buses.ReleaseBus(q.Name())
	}

	logQube("qube stopped", q, logging.Ctx{"force": force})
	_, _ = m.App.Bus().Fire(q, "domain-shutdown", map[string]any{"qube": q.Name()})
	return nil
}

// Pause suspends a running qube in place.
func (m *Manager) Pause(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	if q.Class() == qube.ClassAdmin {
		return qerrors.Preconditionf("dom0 cannot be paused")
	}
	unlock := m.locks.Lock(q.Name())
	defer unlock()

	state, err := m.powerState(ctx, q)
	if err != nil {
		return err
	}
	if state != qube.Running {
		return qerrors.Preconditionf("qube %q is not running (state %s)", q.Name(), state)
	}
	if err := m.HV.Suspend(ctx, q.Name()); err != nil {
		return qerrors.Wrap(qerrors.External, err, "suspend domain %q", q.Name())
	}
	_, _ = m.App.Bus().Fire(q, "domain-paused", map[string]any{"qube": q.Name()})
	return nil
}

// Resume un-suspends a paused qube.
func (m *Manager) Resume(ctx context.Context, name string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	if q.Class() == qube.ClassAdmin {
		return qerrors.Preconditionf("dom0 cannot be resumed")
	}
	unlock := m.locks.Lock(q.Name())
	defer unlock()

	state, err := m.powerState(ctx, q)
	if err != nil {
		return err
	}
	if state != qube.Paused {
		return qerrors.Preconditionf("qube %q is not paused (state %s)", q.Name(), state)
	}
	if err := m.HV.Resume(ctx, q.Name()); err != nil {
		return qerrors.Wrap(qerrors.External, err, "resume domain %q", q.Name())
	}
	_, _ = m.App.Bus().Fire(q, "domain-unpaused", map[string]any{"qube": q.Name()})
	return nil
}
