package lifecycle

import (
	"context"
	"fmt"

	"github.com/openqube/qubesd/internal/logging"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
)

// AttachNetvm assigns name's netvm, enforcing I3 (provides_network + DAG)
// before persisting. If the qube is currently running, its virtual NIC
// is detached from the old netvm on the hypervisor and, when the new
// netvm is already up, attached there with the qube's firewall rules
// refreshed through the new netvm's configuration bus.
func (m *Manager) AttachNetvm(ctx context.Context, name, netvmName string) error {
	q, err := m.lookup(name)
	if err != nil {
		return err
	}
	if q.Class() == qube.ClassAdmin {
		return qerrors.Preconditionf("dom0 cannot be given a netvm")
	}

	coll := q.Collection()
	if coll == nil {
		return qerrors.New(qerrors.Bug, "qube %q is not attached to a collection", name)
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	if err := qube.ValidateNetvmRef(coll, q, netvmName); err != nil {
		return err
	}

	oldNetvm := strProp(q, "netvm")

	if err := q.Store.SetRaw("netvm", netvmName); err != nil {
		return err
	}

	running, err := m.isRunning(ctx, q)
	if err == nil && running {
		if err := m.reattachNIC(ctx, q, oldNetvm, netvmName); err != nil {
			return err
		}
	}

	logging.Info("netvm attached", logging.Ctx{"qube": name, "netvm": netvmName})
	return nil
}

// reattachNIC moves a running qube's virtual NIC between netvm backends
// on the hypervisor: detach from the old backend first, then, if the
// new netvm is already running, attach there and refresh the firewall
// entries it serves for this qube.
func (m *Manager) reattachNIC(ctx context.Context, q *qube.Qube, oldNetvm, newNetvm string) error {
	if oldNetvm != "" && oldNetvm != newNetvm {
		if err := m.HV.DetachNIC(ctx, q.Name(), oldNetvm); err != nil {
			logging.Warn("detaching NIC from old netvm failed", logging.Ctx{
				"qube": q.Name(), "netvm": oldNetvm, "err": err.Error(),
			})
		}
	}

	if newNetvm == "" {
		return nil
	}
	netvm, ok := m.App.Collection.ByName(newNetvm)
	if !ok {
		return qerrors.Validationf("no such qube %q", newNetvm)
	}
	running, err := m.isRunning(ctx, netvm)
	if err != nil || !running {
		return err
	}

	if newNetvm != oldNetvm {
		if err := m.HV.AttachNIC(ctx, q.Name(), newNetvm, strProp(q, "mac")); err != nil {
			return qerrors.Wrap(qerrors.External, err, "attach NIC of %q to %q", q.Name(), newNetvm)
		}
	}

	return m.refreshFirewall(ctx, q, netvm)
}

// refreshFirewall writes q's firewall rule list into the running netvm's
// configuration bus, keyed by q's IP; the netvm's firewall agent watches
// that prefix. Nothing is written for a halted netvm, and a netvm's own
// Start does not write these entries.
func (m *Manager) refreshFirewall(ctx context.Context, q *qube.Qube, netvm *qube.Qube) error {
	if m.Buses == nil {
		return nil
	}

	bus := m.Buses.AcquireBus(netvm.Name())
	prefix := "/qubes-firewall/" + q.IP()
	for i, r := range q.Firewall() {
		key := fmt.Sprintf("%s/%04d", prefix, i)
		if err := bus.Write(ctx, key, renderFirewallRule(r)); err != nil {
			return qerrors.Wrap(qerrors.External, err, "writing firewall rule for %q to %q", q.Name(), netvm.Name())
		}
	}
	return nil
}

func renderFirewallRule(r qube.FirewallRule) string {
	s := "action=" + r.Action
	if r.Proto != "" {
		s += " proto=" + r.Proto
	}
	if r.DstHost != "" {
		s += " dsthost=" + r.DstHost
	}
	if r.DstPorts != "" {
		s += " dstports=" + r.DstPorts
	}
	return s
}

// DetachNetvm clears name's netvm (equivalent to AttachNetvm with "").
func (m *Manager) DetachNetvm(ctx context.Context, name string) error {
	return m.AttachNetvm(ctx, name, "")
}
