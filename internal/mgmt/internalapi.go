// Internal API handlers (spec §4.6): trusted-caller-only methods serving
// system-info queries, disposable-qube creation, and suspend hooks. This
// socket is never exposed to qubes directly — only to dom0-local trusted
// tooling (network manager, suspend scripts) — so these handlers skip the
// admin-style permission gate and rely on socket-level trust instead.
package mgmt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openqube/qubesd/internal/lifecycle"
	"github.com/openqube/qubesd/internal/policy"
	"github.com/openqube/qubesd/internal/qube"
)

// InternalHandlers bundles the internal-socket method set.
type InternalHandlers struct {
	App       *qube.App
	Lifecycle *lifecycle.Manager
	Executor  *policy.Executor
}

func (i *InternalHandlers) Register(reg *Registry) map[string]bool {
	mutating := map[string]bool{}
	reg.RegisterNoPayload("internal.GetSystemInfo", i.getSystemInfo)
	reg.RegisterNoPayload("internal.vm.CreateDisposable", i.createDisposable)
	mutating["internal.vm.CreateDisposable"] = true
	reg.RegisterNoPayload("internal.SuspendPre", i.suspendPre)
	reg.RegisterNoPayload("internal.SuspendPost", i.suspendPost)
	reg.Register("internal.policy.Execute", i.policyExecute)
	mutating["internal.policy.Execute"] = true
	return mutating
}

// policyExecute is the one path by which an evaluated policy decision
// turns into an actual qrexec dispatch (spec §4.5 "Execution"): the
// qrexec daemon, the only trusted caller of this socket, calls it once
// per service request it intercepts. cc.Arg carries "service[+argument]",
// cc.Dest the nominal target the caller named (may be empty for
// $default), and cc.Payload the calling qube's name on its first line and
// the caller-ident string (passed through to the transport client
// unchanged) on its second.
func (i *InternalHandlers) policyExecute(cc *CallContext) ([]byte, error) {
	service, argument := policy.SplitServiceArgument(cc.Arg)
	source, callerIdent, _ := strings.Cut(string(cc.Payload), "\n")
	return nil, i.Executor.Execute(cc.Context, callerIdent, service, argument, source, cc.Dest)
}

// getSystemInfo reports the information a qrexec policy/network-manager
// helper needs without walking the whole store itself: qube
// name/class/netvm and the label table.
func (i *InternalHandlers) getSystemInfo(cc *CallContext) ([]byte, error) {
	var b strings.Builder
	b.WriteString("domains:\n")
	for _, q := range i.App.Collection.All() {
		netvm, _, _ := q.StringProp("netvm")
		fmt.Fprintf(&b, "  %s: class=%s netvm=%s\n", q.Name(), q.Class(), netvm)
	}
	b.WriteString("labels:\n")
	labels := i.App.Labels.All()
	sort.Slice(labels, func(a, c int) bool { return labels[a].Index < labels[c].Index })
	for _, l := range labels {
		fmt.Fprintf(&b, "  %d: %s %s\n", l.Index, l.Name, l.Color)
	}
	return []byte(b.String()), nil
}

// createDisposable implements the internal trusted path for spawning a
// DispVM from a template's default_dispvm chain: cc.Dest names the
// template (or app qube whose default_dispvm is followed); the new qube
// gets a disposable id from the wide range (spec §4.3) and is flagged for
// auto-cleanup (spec §4.4 "Remove").
func (i *InternalHandlers) createDisposable(cc *CallContext) ([]byte, error) {
	name, err := i.Lifecycle.CreateDisposable(cc.Context, cc.Dest)
	if err != nil {
		return nil, err
	}
	if err := i.Lifecycle.Start(cc.Context, name); err != nil {
		return nil, err
	}
	return []byte(name), nil
}

// suspendPre pauses every running qube for the host-wide suspend
// sequence: qubes that are no other qube's netvm first, then the netvms,
// so a netvm outlives its clients (mirroring §4.4's stop-order
// dependency, run here for suspend rather than shutdown).
func (i *InternalHandlers) suspendPre(cc *CallContext) ([]byte, error) {
	for _, netvmPass := range []bool{false, true} {
		for _, q := range i.App.Collection.All() {
			if (len(i.App.Collection.ConnectedVMs(q)) > 0) != netvmPass {
				continue
			}
			state, err := i.Lifecycle.PowerState(cc.Context, q.Name())
			if err != nil || state != qube.Running {
				continue
			}
			if err := i.Lifecycle.Pause(cc.Context, q.Name()); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func (i *InternalHandlers) suspendPost(cc *CallContext) ([]byte, error) {
	for _, q := range i.App.Collection.All() {
		state, err := i.Lifecycle.PowerState(cc.Context, q.Name())
		if err != nil || state != qube.Paused {
			continue
		}
		if err := i.Lifecycle.Resume(cc.Context, q.Name()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
