package qube

import "github.com/openqube/qubesd/internal/qerrors"

// ResolveVMRef implements the "VM-typed property" read side of spec §4.2:
// given a stored name (possibly empty), resolve it through coll. Empty
// names resolve to (nil, nil) — a null reference — unless
// allowNone is false, in which case an empty stored name is itself a bug
// in the caller (a null should never have been stored).
func ResolveVMRef(coll *Collection, name string, allowNone bool) (*Qube, error) {
	if name == "" {
		if !allowNone {
			return nil, qerrors.Validationf("property does not allow a null reference")
		}
		return nil, nil
	}
	q, ok := coll.ByName(name)
	if !ok {
		return nil, qerrors.Validationf("no such qube %q", name)
	}
	return q, nil
}

// ValidateNetvmRef enforces I3: netvm must point to a qube with
// provides_network == true (or be null), and the induced "uses netvm"
// relation must stay a DAG (no cycles, no self-loop).
func ValidateNetvmRef(coll *Collection, self *Qube, newNetvmName string) error {
	if newNetvmName == "" {
		return nil
	}

	if newNetvmName == self.Name() {
		return qerrors.Validationf("a qube cannot be its own netvm")
	}

	target, ok := coll.ByName(newNetvmName)
	if !ok {
		return qerrors.Validationf("no such qube %q", newNetvmName)
	}

	providesNet, _, err := target.Store.Get("provides_network")
	if err != nil {
		return err
	}
	if pn, _ := providesNet.(bool); !pn {
		return qerrors.Validationf("qube %q does not provide network", newNetvmName)
	}

	// DAG check: walk target's own netvm chain; if we ever reach self, a
	// cycle would be introduced.
	seen := map[string]bool{self.Name(): true}
	cur := target
	for {
		if seen[cur.Name()] && cur.Name() != target.Name() {
			break
		}
		v, set, err := cur.Store.Get("netvm")
		if err != nil || !set {
			break
		}
		next, _ := v.(string)
		if next == "" {
			break
		}
		if seen[next] {
			return qerrors.Validationf("netvm assignment would create a cycle through %q", next)
		}
		seen[next] = true
		nq, ok := coll.ByName(next)
		if !ok {
			break
		}
		cur = nq
	}

	return nil
}

// ValidateTemplateRef enforces I4/I5: a template-based qube's template
// must be a TemplateVM-class qube (or, for disposables, a qube whose
// template_for_dispvms is true).
func ValidateTemplateRef(coll *Collection, self *Qube, templateName string) error {
	if templateName == "" {
		return qerrors.Validationf("template-based qube requires a template")
	}

	t, ok := coll.ByName(templateName)
	if !ok {
		return qerrors.Validationf("no such qube %q", templateName)
	}

	if self.Class() == ClassDisposable {
		forDisp, _, err := t.Store.Get("template_for_dispvms")
		if err != nil {
			return err
		}
		if ok, _ := forDisp.(bool); !ok {
			return qerrors.Validationf("qube %q is not a disposable template", templateName)
		}
		return nil
	}

	if t.Class() != ClassTemplate {
		return qerrors.Validationf("qube %q is not a template", templateName)
	}

	return nil
}
