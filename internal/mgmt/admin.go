// Admin API handlers (spec §4.6, §6): the public, permission-gated
// surface a qubesctl-style caller speaks to the admin socket. Each
// handler receives untrusted wire fields (cc.Arg/cc.Dest/cc.Payload) and
// must validate them before treating them as trusted identifiers — spec
// §4.6's "untrusted_" discipline, rendered here as local variables named
// the way the handler treats them: raw until checked.
package mgmt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/openqube/qubesd/internal/lifecycle"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
)

// AdminHandlers bundles the collaborators admin.* methods need and
// registers them into a Registry. One instance is built at daemon
// startup and handed the App it already shares with the rest of C6.
type AdminHandlers struct {
	App       *qube.App
	Lifecycle *lifecycle.Manager
}

// Register adds every admin.* method this bundle implements to reg, and
// returns the set of method names that mutate state (for Server.Mutating).
// Methods registered without the payload flag reject any payload bytes
// before their handler runs.
func (a *AdminHandlers) Register(reg *Registry) map[string]bool {
	mutating := map[string]bool{}
	add := func(name string, mutates, payload bool, h Handler) {
		if payload {
			reg.Register(name, h)
		} else {
			reg.RegisterNoPayload(name, h)
		}
		if mutates {
			mutating[name] = true
		}
	}

	add("admin.vm.List", false, false, a.vmList)
	add("admin.vm.property.Get", false, false, a.propertyGet)
	add("admin.vm.property.GetDefault", false, false, a.propertyGetDefault)
	add("admin.vm.property.Set", true, true, a.propertySet)
	add("admin.vm.property.Reset", true, false, a.propertyReset)
	add("admin.vm.property.List", false, false, a.propertyList)
	add("admin.vm.Create", true, true, a.vmCreate)
	add("admin.vm.Remove", true, false, a.vmRemove)
	add("admin.vm.Start", true, false, a.vmStart)
	add("admin.vm.Shutdown", true, false, a.vmShutdown)
	add("admin.vm.Kill", true, false, a.vmKill)
	add("admin.vm.Pause", true, false, a.vmPause)
	add("admin.vm.Unpause", true, false, a.vmUnpause)
	add("admin.vm.CurrentState", false, false, a.vmCurrentState)
	add("admin.vm.tag.List", false, false, a.tagList)
	add("admin.vm.tag.Set", true, false, a.tagSet)
	add("admin.vm.tag.Remove", true, false, a.tagRemove)
	add("admin.vm.feature.List", false, false, a.featureList)
	add("admin.vm.feature.Get", false, false, a.featureGet)
	add("admin.vm.feature.Set", true, true, a.featureSet)
	add("admin.vm.feature.Remove", true, false, a.featureRemove)
	add("admin.vm.device.Attach", true, true, a.deviceAttach)
	add("admin.vm.device.Detach", true, true, a.deviceDetach)
	add("admin.vm.device.List", false, false, a.deviceList)
	add("admin.label.List", false, false, a.labelList)

	return mutating
}

func (a *AdminHandlers) lookup(cc *CallContext) (*qube.Qube, error) {
	name := cc.Dest
	q, ok := a.App.Collection.ByName(name)
	if !ok {
		return nil, qerrors.Validationf("no such qube %q", name)
	}
	return q, nil
}

// vmList emits one line per qube, "name class=<class> state=<power
// state>\n". Dest dom0 lists the whole collection; any other dest
// restricts the listing to that one qube. Either way the permission
// filters collected at dispatch compose over the candidate iterable, so
// a mgmt-permission handler can hide qubes from a caller without
// vetoing the call.
func (a *AdminHandlers) vmList(cc *CallContext) ([]byte, error) {
	var candidates []*qube.Qube
	if cc.Dest == "dom0" {
		candidates = a.App.Collection.All()
	} else {
		q, err := a.lookup(cc)
		if err != nil {
			return nil, err
		}
		candidates = []*qube.Qube{q}
	}

	var b strings.Builder
	for _, q := range candidates {
		if !cc.Permitted(q.Name()) {
			continue
		}
		state, err := a.Lifecycle.PowerState(cc.Context, q.Name())
		if err != nil {
			state = qube.NA
		}
		fmt.Fprintf(&b, "%s class=%s state=%s\n", q.Name(), q.Class(), state)
	}
	return []byte(b.String()), nil
}

// propertyGet implements the second end-to-end scenario: "default=<bool>
// type=<name> <value>".
func (a *AdminHandlers) propertyGet(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	untrustedProp := cc.Arg
	prop := untrustedProp
	d, ok := q.Store.Descriptor(prop)
	if !ok {
		return nil, qerrors.Validationf("no such property %q", prop)
	}

	isDefault := !q.Store.IsSet(prop)
	s, _, err := q.StringProp(prop)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("default=%s type=%s %s", boolWord(isDefault), propertyTypeName(d), s)), nil
}

func (a *AdminHandlers) propertyGetDefault(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	d, ok := q.Store.Descriptor(cc.Arg)
	if !ok {
		return nil, qerrors.Validationf("no such property %q", cc.Arg)
	}
	v, ok, err := d.DefaultValue(q)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []byte{}, nil
	}
	s, err := d.Format(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func boolWord(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// propertyTypeName reports a property's wire type tag, chosen from the
// property name: "label", "int" or "bool" for the names listed below,
// "str" for every other property.
func propertyTypeName(d interface{ Name() string }) string {
	switch d.Name() {
	case "label":
		return "label"
	case "memory", "maxmem", "vcpus", "qid", "qrexec_timeout":
		return "int"
	case "autostart", "include_in_backups", "debug", "provides_network", "template_for_dispvms":
		return "bool"
	default:
		return "str"
	}
}

// propertySet handles admin.vm.property.Set: cc.Payload carries the raw
// untrusted new value; it is validated by the property's own setter
// before being assigned, so the "untrusted_" -> trusted crossing happens
// inside SetFromString, not here.
func (a *AdminHandlers) propertySet(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	untrustedValue := string(cc.Payload)
	if err := q.Store.SetFromString(cc.Arg, untrustedValue); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *AdminHandlers) propertyReset(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	return nil, q.Store.Delete(cc.Arg)
}

func (a *AdminHandlers) propertyList(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	return []byte(strings.Join(q.Store.List(), "\n")), nil
}

// vmCreate implements admin.vm.Create: cc.Arg is the class name; payload
// carries "key=value" pairs (name=, label=, template=), one per line.
func (a *AdminHandlers) vmCreate(cc *CallContext) ([]byte, error) {
	cls := qube.Class(cc.Arg)
	if !cls.Valid() {
		return nil, qerrors.Validationf("unknown qube class %q", cc.Arg)
	}

	fields := parseKVLines(string(cc.Payload))
	untrustedName := fields["name"]
	if err := qube.ValidateQubeName(untrustedName); err != nil {
		return nil, err
	}
	name := untrustedName

	qid, err := a.App.Collection.NewUnusedQID()
	if err != nil {
		return nil, err
	}

	q := qube.NewQube(a.App.Bus(), qid, uuid.New(), name, cls)
	if err := q.Store.SetRaw("qid", qid); err != nil {
		return nil, err
	}
	if err := q.Store.SetRaw("uuid", q.UUID().String()); err != nil {
		return nil, err
	}
	if err := q.Store.SetRaw("name", name); err != nil {
		return nil, err
	}
	if err := q.Store.SetRaw("class", string(cls)); err != nil {
		return nil, err
	}
	if label, ok := fields["label"]; ok && label != "" {
		if err := q.Store.SetFromString("label", label); err != nil {
			return nil, err
		}
	}
	if tmpl, ok := fields["template"]; ok && tmpl != "" && cls.IsTemplateBased() {
		if err := q.Store.SetFromString("template", tmpl); err != nil {
			return nil, err
		}
	}

	if err := a.App.Collection.Add(q); err != nil {
		return nil, err
	}
	return nil, nil
}

func parseKVLines(s string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// vmRemove implements admin.vm.Remove: the qube must be stopped first
// (spec §4.4's Remove precondition); dependents referencing it as netvm
// block removal with a Precondition error, checked here before
// Collection.Del fires domain-pre-delete.
func (a *AdminHandlers) vmRemove(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	running, err := a.Lifecycle.PowerState(cc.Context, q.Name())
	if err != nil {
		return nil, err
	}
	if running == qube.Running || running == qube.Paused {
		return nil, qerrors.Preconditionf("qube %q must be stopped before removal", q.Name())
	}
	if dependents := a.App.Collection.ConnectedVMs(q); len(dependents) > 0 {
		return nil, qerrors.Preconditionf("qube %q still has %d dependent qube(s)", q.Name(), len(dependents))
	}
	return nil, a.App.Collection.Del(q)
}

func (a *AdminHandlers) vmStart(cc *CallContext) ([]byte, error) {
	return nil, a.Lifecycle.Start(cc.Context, cc.Dest)
}

func (a *AdminHandlers) vmShutdown(cc *CallContext) ([]byte, error) {
	return nil, a.Lifecycle.Shutdown(cc.Context, cc.Dest)
}

func (a *AdminHandlers) vmKill(cc *CallContext) ([]byte, error) {
	return nil, a.Lifecycle.Kill(cc.Context, cc.Dest)
}

func (a *AdminHandlers) vmPause(cc *CallContext) ([]byte, error) {
	return nil, a.Lifecycle.Pause(cc.Context, cc.Dest)
}

func (a *AdminHandlers) vmUnpause(cc *CallContext) ([]byte, error) {
	return nil, a.Lifecycle.Resume(cc.Context, cc.Dest)
}

func (a *AdminHandlers) vmCurrentState(cc *CallContext) ([]byte, error) {
	state, err := a.Lifecycle.PowerState(cc.Context, cc.Dest)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("power_state=%s", state)), nil
}

func (a *AdminHandlers) tagList(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	return []byte(strings.Join(q.Tags.List(), "\n")), nil
}

// tagSet implements admin.vm.tag.Set; names under the created-by-*
// namespace are reserved (spec §4.8) and rejected here before reaching
// TagSet.Add, since TagSet itself has no notion of "admin-only".
func (a *AdminHandlers) tagSet(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	untrustedTag := cc.Arg
	if qube.IsReservedPrefix(untrustedTag) {
		return nil, qerrors.PermissionDeniedf("tag %q is in a reserved namespace", untrustedTag)
	}
	return nil, q.Tags.Add(untrustedTag)
}

func (a *AdminHandlers) tagRemove(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	if qube.IsReservedPrefix(cc.Arg) {
		return nil, qerrors.PermissionDeniedf("tag %q is in a reserved namespace", cc.Arg)
	}
	return nil, q.Tags.Remove(cc.Arg)
}

func (a *AdminHandlers) featureList(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	return []byte(strings.Join(q.Features.Keys(), "\n")), nil
}

func (a *AdminHandlers) featureGet(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	v, ok := q.Features.Get(cc.Arg)
	if !ok {
		return nil, qerrors.Validationf("feature %q not set", cc.Arg)
	}
	return []byte(v), nil
}

func (a *AdminHandlers) featureSet(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	untrustedValue := string(cc.Payload)
	return nil, q.Features.Set(cc.Arg, untrustedValue)
}

func (a *AdminHandlers) featureRemove(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	return nil, q.Features.Delete(cc.Arg)
}

// deviceAttach parses "backend_qube ident [opt=val,...]" from cc.Payload;
// the device class comes from cc.Arg (e.g. "pci", "usb", "block").
func (a *AdminHandlers) deviceAttach(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	backend, ident, opts, err := parseDeviceIdent(string(cc.Payload))
	if err != nil {
		return nil, err
	}
	return nil, q.Devices.Attach(cc.Arg, qube.DeviceAssignment{
		BackendQube: backend,
		Ident:       ident,
		Options:     opts,
		Persistent:  true,
	})
}

func (a *AdminHandlers) deviceDetach(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	backend, ident, _, err := parseDeviceIdent(string(cc.Payload))
	if err != nil {
		return nil, err
	}
	return nil, q.Devices.Detach(cc.Arg, backend, ident)
}

func (a *AdminHandlers) deviceList(cc *CallContext) ([]byte, error) {
	q, err := a.lookup(cc)
	if err != nil {
		return nil, err
	}
	assignments := q.Devices.List(cc.Arg)
	sort.Slice(assignments, func(i, j int) bool {
		if assignments[i].BackendQube != assignments[j].BackendQube {
			return assignments[i].BackendQube < assignments[j].BackendQube
		}
		return assignments[i].Ident < assignments[j].Ident
	})
	var b strings.Builder
	for _, da := range assignments {
		fmt.Fprintf(&b, "%s+%s\n", da.BackendQube, da.Ident)
	}
	return []byte(b.String()), nil
}

func parseDeviceIdent(payload string) (backend, ident string, opts map[string]string, err error) {
	fields := strings.Fields(payload)
	if len(fields) < 2 {
		return "", "", nil, qerrors.Protocolf("malformed device identifier %q", payload)
	}
	backend, ident = fields[0], fields[1]
	opts = map[string]string{}
	for _, kv := range fields[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			opts[k] = v
		}
	}
	return backend, ident, opts, nil
}

func (a *AdminHandlers) labelList(cc *CallContext) ([]byte, error) {
	labels := a.App.Labels.All()
	sort.Slice(labels, func(i, j int) bool { return labels[i].Index < labels[j].Index })
	var b strings.Builder
	for _, l := range labels {
		fmt.Fprintf(&b, "%s\n", l.Name)
	}
	return []byte(b.String()), nil
}
