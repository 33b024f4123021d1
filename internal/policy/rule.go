package policy

import "strings"

// Action is what a matching rule line does once source+dest+service
// match the call being evaluated.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule is one parsed policy line:
//
//	qrexec.Service +Argument  Source  Dest  allow target=other-vm
type Rule struct {
	Service       string // "*" matches any service
	Argument      string // "*" matches any argument; "" means no argument part
	Source        Specifier
	Dest          Specifier
	Action        Action
	Target        string // allow: the effective target, if it overrides Dest; ask: the pre-selected default choice
	User          string // run-as user override, empty for none
	NotifyUser    bool
	DefaultTarget bool // target= value was @default, or default_target=<name> was given (Target then holds the name)
}

// String renders the rule back as one policy line, always in the
// canonical "@" sigil spelling regardless of which dialect it was parsed
// from. Parsing the result yields an identical Rule.
func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(r.Service)
	if r.Argument != "" {
		b.WriteByte('+')
		b.WriteString(r.Argument)
	}
	b.WriteByte(' ')
	b.WriteString(r.Source.String())
	b.WriteByte(' ')
	b.WriteString(r.Dest.String())
	b.WriteByte(' ')
	b.WriteString(string(r.Action))
	switch {
	case r.DefaultTarget && r.Target == "":
		b.WriteString(" target=@default")
	case r.DefaultTarget:
		b.WriteString(" default_target=" + r.Target)
	case r.Target != "":
		b.WriteString(" target=" + r.Target)
	}
	if r.User != "" {
		b.WriteString(" user=" + r.User)
	}
	if r.NotifyUser {
		b.WriteString(" notify=yes")
	}
	return b.String()
}

// VMInfo is the minimal view of a qube the matcher needs: enough to test
// every Specifier kind without depending on package qube directly, so
// the policy engine stays testable without building a whole App.
type VMInfo struct {
	Name  string
	Class string // matches @type:<Class>
	Tags  []string

	// DispVMBase is the name of the template a DispVM-class qube was
	// derived from (its "template" property); empty for non-DispVMs.
	DispVMBase string
}

func (v VMInfo) hasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Resolver looks up qube info by name for specifier matching, and
// resolves the disposable-VM-template relationship for @dispvm:<tpl>.
type Resolver interface {
	Info(name string) (VMInfo, bool)
}

// Matches reports whether the concrete qube name satisfies specifier s,
// consulting r for anything beyond a literal name comparison. name may
// be empty, meaning "no nominal target named" (spec §4.5's "a nominal
// target name (may be empty)").
func (s Specifier) Matches(name string, r Resolver) bool {
	switch s.Kind {
	case SpecName:
		return s.Arg == name
	case SpecAnyVM:
		// Match table: "any name != dom0; plus $default and empty".
		if name == "" {
			return true
		}
		info, ok := r.Info(name)
		if !ok {
			return false
		}
		return info.Class != "AdminVM"
	case SpecAdminVM:
		info, ok := r.Info(name)
		return ok && info.Class == "AdminVM"
	case SpecDispVM:
		info, ok := r.Info(name)
		if !ok || info.Class != "DispVM" {
			return false
		}
		if s.Arg == "" {
			return true
		}
		if s.ViaTag {
			base, ok := r.Info(info.DispVMBase)
			return ok && base.hasTag(s.Arg)
		}
		return info.DispVMBase == s.Arg
	case SpecType:
		info, ok := r.Info(name)
		return ok && info.Class == s.Arg
	case SpecTag:
		info, ok := r.Info(name)
		return ok && info.hasTag(s.Arg)
	case SpecDefault:
		// Match table: "$default | only $default / empty".
		return name == ""
	default:
		return false
	}
}
