// Package policy implements C5, the qrexec policy engine: rule file
// parsing, specifier matching, and the ask-flow a qrexec call goes
// through when no rule directly allows or denies it.
//
// Rule syntax historically accepted two sigil spellings for special
// targets — "$anyvm"/"$default"/"$adminvm"/"$dispvm" in the original
// dialect and "@anyvm"/"@default"/"@adminvm"/"@dispvm" in the current
// one. This parser accepts either spelling on input (an explicit design
// decision recorded in this project's design notes) and always
// canonicalizes to the "@" form before matching or echoing a rule back
// to a caller.
package policy

import "strings"

// SpecifierKind distinguishes the closed set of target/source specifier
// shapes a rule line can use.
type SpecifierKind string

const (
	SpecName    SpecifierKind = "name"    // a literal qube name
	SpecAnyVM   SpecifierKind = "anyvm"   // @anyvm
	SpecDefault SpecifierKind = "default" // @default (target side only)
	SpecAdminVM SpecifierKind = "adminvm" // @adminvm / dom0
	SpecDispVM  SpecifierKind = "dispvm"  // @dispvm or @dispvm:<template>
	SpecType    SpecifierKind = "type"    // @type:<class>
	SpecTag     SpecifierKind = "tag"     // @tag:<tag>
)

// Specifier is one parsed source or destination specifier.
type Specifier struct {
	Kind SpecifierKind
	Arg  string // qube name, dispvm template/tag name, class, or tag name

	// ViaTag is set for a SpecDispVM parsed from "@dispvm:@tag:<name>":
	// Arg holds the tag name a dispvm's base template must carry, rather
	// than a literal template name.
	ViaTag bool
}

func (s Specifier) String() string {
	switch s.Kind {
	case SpecName:
		return s.Arg
	case SpecAnyVM:
		return "@anyvm"
	case SpecDefault:
		return "@default"
	case SpecAdminVM:
		return "@adminvm"
	case SpecDispVM:
		switch {
		case s.Arg == "":
			return "@dispvm"
		case s.ViaTag:
			return "@dispvm:@tag:" + s.Arg
		default:
			return "@dispvm:" + s.Arg
		}
	case SpecType:
		return "@type:" + s.Arg
	case SpecTag:
		return "@tag:" + s.Arg
	default:
		return s.Arg
	}
}

// canonicalSigil rewrites every legacy "$"-prefixed sigil in s to the
// current "@" spelling, including ones nested inside another sigil (as
// in the legacy "$dispvm:$tag:<name>" indirection form); plain names
// that happen to contain no "$" pass through unchanged.
func canonicalSigil(s string) string {
	return strings.ReplaceAll(s, "$", "@")
}

// ParseSpecifier parses one source or destination field of a rule line.
func ParseSpecifier(raw string) (Specifier, error) {
	s := canonicalSigil(raw)

	switch {
	case s == "@anyvm":
		return Specifier{Kind: SpecAnyVM}, nil
	case s == "@default":
		return Specifier{Kind: SpecDefault}, nil
	case s == "@adminvm" || s == "dom0":
		return Specifier{Kind: SpecAdminVM}, nil
	case s == "@dispvm":
		return Specifier{Kind: SpecDispVM}, nil
	case strings.HasPrefix(s, "@dispvm:"):
		rest := strings.TrimPrefix(s, "@dispvm:")
		if strings.HasPrefix(rest, "@tag:") {
			return Specifier{Kind: SpecDispVM, Arg: strings.TrimPrefix(rest, "@tag:"), ViaTag: true}, nil
		}
		return Specifier{Kind: SpecDispVM, Arg: rest}, nil
	case strings.HasPrefix(s, "@type:"):
		return Specifier{Kind: SpecType, Arg: strings.TrimPrefix(s, "@type:")}, nil
	case strings.HasPrefix(s, "@tag:"):
		return Specifier{Kind: SpecTag, Arg: strings.TrimPrefix(s, "@tag:")}, nil
	default:
		return Specifier{Kind: SpecName, Arg: s}, nil
	}
}
