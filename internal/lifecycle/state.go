package lifecycle

import (
	"context"

	"github.com/openqube/qubesd/internal/hypervisor"
	"github.com/openqube/qubesd/internal/qube"
)

// PowerState resolves a qube's current power state by asking the
// hypervisor adapter directly (spec §4.4: this is derived, never
// cached on the qube itself).
func (m *Manager) PowerState(ctx context.Context, name string) (qube.PowerState, error) {
	q, err := m.lookup(name)
	if err != nil {
		return qube.NA, err
	}
	return m.powerState(ctx, q)
}

func (m *Manager) powerState(ctx context.Context, q *qube.Qube) (qube.PowerState, error) {
	// dom0 is the domain this daemon runs in; it is Running by
	// definition and the hypervisor is never asked about it.
	if q.Class() == qube.ClassAdmin {
		return qube.Running, nil
	}

	state, xid, err := m.HV.State(ctx, q.Name())
	if err != nil {
		return qube.NA, err
	}
	q.SetXID(xid)

	switch state {
	case hypervisor.DomainRunning:
		// Running means fully usable; a domain the hypervisor reports up
		// but whose qrexec agent has not connected yet is only Transient.
		if m.Qrexec != nil && !m.Qrexec.Reachable(ctx, q.Name()) {
			return qube.Transient, nil
		}
		return qube.Running, nil
	case hypervisor.DomainPaused:
		return qube.Paused, nil
	case hypervisor.DomainPMSuspended:
		return qube.Suspended, nil
	case hypervisor.DomainShutdown:
		return qube.Halting, nil
	case hypervisor.DomainShutoff:
		return qube.Halted, nil
	case hypervisor.DomainCrashed:
		return qube.Crashed, nil
	default:
		return qube.NA, nil
	}
}

func (m *Manager) isRunning(ctx context.Context, q *qube.Qube) (bool, error) {
	s, err := m.powerState(ctx, q)
	if err != nil {
		return false, err
	}
	return s == qube.Running || s == qube.Transient || s == qube.Paused, nil
}
