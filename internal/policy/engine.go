package policy

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/openqube/qubesd/internal/qerrors"
)

// Engine holds the rules of every loaded rule file as one list, in load
// order; rules are not grouped by service, and Eval walks the whole list
// top to bottom.
type Engine struct {
	rules []Rule
}

// NewEngine returns an empty engine; load rule sets into it with Load.
func NewEngine() *Engine {
	return &Engine{}
}

// Load parses rule lines from r and appends them, preserving file order
// (first matching rule wins, per spec §4.5).
func (e *Engine) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseRuleLine(line)
		if err != nil {
			return qerrors.Wrap(qerrors.Validation, err, "parsing policy line %q", line)
		}
		e.rules = append(e.rules, rule)
	}
	return scanner.Err()
}

// LoadString is a convenience wrapper for tests and inline policy text.
func (e *Engine) LoadString(s string) error {
	return e.Load(strings.NewReader(s))
}

func parseRuleLine(line string) (Rule, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return Rule{}, qerrors.Validationf("expected at least 4 fields, got %d", len(fields))
	}

	service, argument := SplitServiceArgument(fields[0])
	rest := fields[1:]

	// The current dialect writes the argument as its own second token
	// ("qubes.Filecopy +arg src dst action", with "*" as the wildcard);
	// the older one fuses it onto the service name. Both are accepted.
	if len(rest) >= 4 && (rest[0] == "*" || strings.HasPrefix(rest[0], "+")) {
		argument = strings.TrimPrefix(rest[0], "+")
		rest = rest[1:]
	}

	src, err := ParseSpecifier(rest[0])
	if err != nil {
		return Rule{}, err
	}
	dst, err := ParseSpecifier(rest[1])
	if err != nil {
		return Rule{}, err
	}

	rule := Rule{Service: service, Argument: argument, Source: src, Dest: dst}

	// Options come either comma-joined onto the action token (the legacy
	// "allow,target=x" dialect) or as further whitespace-separated fields
	// (the current one); both are accepted on input.
	actionParts := strings.Split(canonicalSigil(rest[2]), ",")
	params := append(actionParts[1:], rest[3:]...)

	switch actionParts[0] {
	case "allow":
		rule.Action = ActionAllow
	case "deny":
		rule.Action = ActionDeny
	case "ask":
		rule.Action = ActionAsk
	default:
		return Rule{}, qerrors.Validationf("unknown action %q", rest[2])
	}

	for _, p := range params {
		k, v, _ := strings.Cut(p, "=")
		switch k {
		case "target":
			rule.Target = canonicalSigil(v)
			if rule.Target == "@default" {
				rule.DefaultTarget = true
				rule.Target = ""
			}
		case "default_target":
			rule.DefaultTarget = true
			rule.Target = canonicalSigil(v)
		case "user":
			rule.User = v
		case "notify":
			rule.NotifyUser = v != "no" && v != "0"
		}
	}

	// A deny rule carries no execution parameters at all.
	if rule.Action == ActionDeny && (rule.Target != "" || rule.User != "" || rule.DefaultTarget) {
		return Rule{}, qerrors.Validationf("deny rule cannot carry target= or user=")
	}

	// A "$default" dest rule only names *when* the rule applies (no
	// nominal target given); an allow action still needs a concrete place
	// to send the call, so target= is mandatory.
	if rule.Action == ActionAllow && rule.Dest.Kind == SpecDefault && rule.Target == "" {
		return Rule{}, qerrors.Validationf("%q allow rule requires target=", rest[1])
	}

	return rule, nil
}

// Rules returns the loaded rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// SplitServiceArgument splits a rule's "service[+argument]" token, the
// same encoding an internal-API caller uses to pass a qrexec service
// name and its optional "+argument" suffix as one string.
func SplitServiceArgument(tok string) (service, argument string) {
	if i := strings.IndexByte(tok, '+'); i >= 0 {
		return tok[:i], tok[i+1:]
	}
	return tok, ""
}

// Decision is the outcome of evaluating a single call.
type Decision struct {
	Action     Action
	Target     string // resolved execution target for allow; pre-selected default for ask
	User       string
	NotifyUser bool
	// Candidates lists the targets a user should be offered when Action
	// is Ask, gathered by walking every rule that matches this (service,
	// source) pair in reverse file order, the ask rule itself included
	// (see askCandidates) — spec §4.5's "ask-candidate collection
	// (reverse walk)".
	Candidates []string
}

// Eval finds the first rule matching (service, argument, source, dest)
// and returns its decision. An ask decision is enriched with the full
// candidate list a prompt should offer.
func (e *Engine) Eval(service, argument, source, dest string, r Resolver) (Decision, error) {
	for _, rule := range e.rules {
		if !ruleMatches(rule, service, argument, source, dest, r) {
			continue
		}

		switch rule.Action {
		case ActionAllow:
			target := rule.Target
			if target == "" {
				target = dest
			}
			if target == "@dispvm" {
				// "target=<spec> ... when $dispvm, resolves against
				// source's default at evaluation time" (spec §4.5).
				if dr, ok := r.(DispVMResolver); ok {
					if base, ok := dr.DefaultDispVM(source); ok && base != "" {
						target = "@dispvm:" + base
					}
				}
			}
			if target == "" || target == "@default" || target == "@dispvm" {
				return Decision{}, qerrors.Validationf(
					"policy rule for %s from %q resolves to no concrete target", service, source)
			}
			return Decision{Action: ActionAllow, Target: target, User: rule.User, NotifyUser: rule.NotifyUser}, nil
		case ActionDeny:
			return Decision{Action: ActionDeny}, nil
		case ActionAsk:
			candidates, err := e.askCandidates(service, argument, source, r)
			if err != nil {
				return Decision{}, err
			}
			return Decision{
				Action:     ActionAsk,
				Target:     rule.Target,
				User:       rule.User,
				NotifyUser: rule.NotifyUser,
				Candidates: candidates,
			}, nil
		}
	}

	return Decision{Action: ActionDeny}, nil
}

// askCandidates collects the ask-prompt candidate set for (service,
// source), per spec §4.5 "Ask-candidate collection": walk every rule
// whose service and source match, in **reverse** file order; a `deny`
// rule subtracts its expanded targets from the accumulated set, any
// other matching rule (`allow` or `ask`) adds its expanded targets. The
// literal "$dispvm" placeholder, if still present afterward, is resolved
// against the source's own default disposable template when r exposes
// one. The rule is rejected — not silently offered as an empty ask — if
// the resulting set is empty.
func (e *Engine) askCandidates(service, argument, source string, r Resolver) ([]string, error) {
	set := map[string]bool{}
	for i := len(e.rules) - 1; i >= 0; i-- {
		rule := e.rules[i]
		if !serviceMatches(rule, service, argument) {
			continue
		}
		if !rule.Source.Matches(source, r) {
			continue
		}

		targets := concreteTargets(rule.Dest, r)
		if rule.Action == ActionDeny {
			for _, name := range targets {
				delete(set, name)
			}
			continue
		}
		for _, name := range targets {
			set[name] = true
		}
	}

	if set["$dispvm"] {
		delete(set, "$dispvm")
		if dr, ok := r.(DispVMResolver); ok {
			if base, ok := dr.DefaultDispVM(source); ok && base != "" {
				set[base] = true
			}
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)

	if len(out) == 0 {
		return nil, qerrors.Validationf("ask rule for %s from %q has no candidate targets", service, source)
	}
	return out, nil
}

// concreteTargets expands a Specifier into the qube names (or, for a
// bare $dispvm target, the literal "$dispvm" placeholder) it can denote.
// Enumerating non-literal specifiers (@anyvm, @tag:, @type:, a
// templated @dispvm:) requires r to be a CandidateResolver; a plain
// Resolver can only confirm a single concrete name.
func concreteTargets(s Specifier, r Resolver) []string {
	if s.Kind == SpecName {
		return []string{s.Arg}
	}
	if s.Kind == SpecDispVM && s.Arg == "" {
		return []string{"$dispvm"}
	}
	if cr, ok := r.(CandidateResolver); ok {
		return cr.Candidates(s)
	}
	return nil
}

// CandidateResolver is an optional Resolver extension that can enumerate
// every qube name satisfying a non-literal Specifier, needed to build a
// full ask-prompt candidate list rather than just answer yes/no for one
// concrete name.
type CandidateResolver interface {
	Resolver
	Candidates(s Specifier) []string
}

// DispVMResolver is an optional Resolver extension that resolves a
// source qube's configured default disposable-qube template, used to
// turn the literal "$dispvm" ask-candidate placeholder into a concrete
// name (spec §4.5: "$dispvm in the set is replaced with the source's
// resolved disposable target if any").
type DispVMResolver interface {
	Resolver
	DefaultDispVM(source string) (string, bool)
}

func serviceMatches(rule Rule, service, argument string) bool {
	if rule.Service != "*" && rule.Service != service {
		return false
	}
	if rule.Argument != "" && rule.Argument != "*" && rule.Argument != argument {
		return false
	}
	return true
}

func ruleMatches(rule Rule, service, argument, source, dest string, r Resolver) bool {
	if !serviceMatches(rule, service, argument) {
		return false
	}
	if !rule.Source.Matches(source, r) {
		return false
	}
	if !rule.Dest.Matches(dest, r) {
		return false
	}
	return true
}
