package policy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/openqube/qubesd/internal/qerrors"
)

const (
	qrexecClientPath = "/usr/lib/qubes/qrexec-client"
	multiplexerPath  = "/usr/lib/qubes/qubes-rpc-multiplexer"
)

// Transport is the qrexec client every allowed call goes through,
// whether the target is dom0 or any other qube — only the rendered cmd
// string differs between the two (see command).
type Transport interface {
	// Call launches the transport client against target, passing
	// callerIdent through via "-c" and adding "-W" when wait is set
	// (the disposable-qube path, which must block until the call
	// completes before the qube can be torn down).
	Call(ctx context.Context, target, callerIdent, cmd string, wait bool) error
}

// ProcessTransport shells out to the real qrexec-client binary, the way
// the reference implementation's execute() does via subprocess.call.
type ProcessTransport struct{}

func (ProcessTransport) Call(ctx context.Context, target, callerIdent, cmd string, wait bool) error {
	args := []string{"-d", target, "-c", callerIdent}
	if wait {
		args = append(args, "-W")
	}
	args = append(args, cmd)
	c := exec.CommandContext(ctx, qrexecClientPath, args...)
	if out, err := c.CombinedOutput(); err != nil {
		return qerrors.Wrap(qerrors.External, err, "running qrexec-client: %s", out)
	}
	return nil
}

// DomainController is the subset of lifecycle.Manager the Executor
// needs: ensuring a target is up, and creating/tearing down a
// disposable qube. It's an interface here, not *lifecycle.Manager
// directly, purely so tests can exercise Execute without a full App.
type DomainController interface {
	Start(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	CreateDisposable(ctx context.Context, base string) (string, error)
}

// Arbiter is the "handle_user_response" callback (spec §4.5): given the
// ask-candidate set, it decides whether the call is allowed at all and,
// if so, which candidate the user picked. A nil Arbiter falls back to
// auto-selecting a rule's pre-selected default_target, if one was
// configured, and otherwise denies — there is no user to ask.
type Arbiter func(candidates []string) (allowed bool, target string)

// Executor turns an Engine's decisions into actual qrexec dispatches
// (spec §4.5 "Execution"), the step nothing in this tree used to reach.
type Executor struct {
	Engine    *Engine
	Resolver  Resolver
	Domains   DomainController
	Transport Transport
	Arbiter   Arbiter
}

// NewExecutor builds an Executor with the real ProcessTransport.
func NewExecutor(engine *Engine, resolver Resolver, domains DomainController, arbiter Arbiter) *Executor {
	return &Executor{Engine: engine, Resolver: resolver, Domains: domains, Transport: ProcessTransport{}, Arbiter: arbiter}
}

// Execute evaluates (service, argument, source, dest) and, if the
// decision permits it, dispatches the call through the transport.
func (e *Executor) Execute(ctx context.Context, callerIdent, service, argument, source, dest string) error {
	decision, err := e.Engine.Eval(service, argument, source, dest, e.Resolver)
	if err != nil {
		return err
	}

	switch decision.Action {
	case ActionDeny:
		return qerrors.PermissionDeniedf("%s from %q to %q denied by policy", service, source, dest)

	case ActionAsk:
		target, err := e.resolveAsk(decision, service, source)
		if err != nil {
			return err
		}
		return e.dispatch(ctx, callerIdent, service, argument, source, dest, target, decision.User)

	case ActionAllow:
		return e.dispatch(ctx, callerIdent, service, argument, source, dest, decision.Target, decision.User)

	default:
		return qerrors.New(qerrors.Bug, "unhandled policy action %q", decision.Action)
	}
}

// resolveAsk implements the user-response half of the ask flow (spec
// §4.5's "handle_user_response"): a pre-selected default_target is used
// as-is; otherwise the Arbiter is consulted, and its answer must name
// one of the offered candidates.
func (e *Executor) resolveAsk(decision Decision, service, source string) (string, error) {
	target := decision.Target
	if target == "" {
		if e.Arbiter == nil {
			return "", qerrors.PermissionDeniedf(
				"%s from %q requires user confirmation and no arbiter is configured", service, source)
		}
		allowed, chosen := e.Arbiter(decision.Candidates)
		if !allowed {
			return "", qerrors.PermissionDeniedf("%s from %q denied by the user", service, source)
		}
		target = chosen
	}
	for _, c := range decision.Candidates {
		if c == target {
			return target, nil
		}
	}
	return "", qerrors.Validationf("chosen target %q is not one of the offered candidates", target)
}

// dispatch carries out the transport half of spec §4.5's "Execution":
// the transport client always runs against -d <target>, with target
// "dom0" itself running through it (the command string it's handed
// invokes the multiplexer in that case, see command); a "@dispvm:<base>"
// target is spawned, started, waited on, and torn down around the call;
// anything else is just ensured Running before the call.
func (e *Executor) dispatch(ctx context.Context, callerIdent, service, argument, source, originalDest, target, user string) error {
	cmd := e.command(service, argument, source, originalDest, target, user)

	if target == "dom0" {
		return e.Transport.Call(ctx, target, callerIdent, cmd, false)
	}

	if base, ok := strings.CutPrefix(target, "@dispvm:"); ok {
		name, err := e.Domains.CreateDisposable(ctx, base)
		if err != nil {
			return err
		}
		// Killing a disposable auto-removes it (lifecycle.Manager.Kill
		// fires Remove for an auto-cleanup qube), so this one call
		// covers "kill and remove ... even on error".
		defer func() { _ = e.Domains.Kill(ctx, name) }()

		if err := e.Domains.Start(ctx, name); err != nil {
			return err
		}
		return e.Transport.Call(ctx, name, callerIdent, cmd, true)
	}

	if err := e.Domains.Start(ctx, target); err != nil {
		return err
	}
	return e.Transport.Call(ctx, target, callerIdent, cmd, false)
}

// command renders the remote-side command string the transport client
// (or multiplexer) runs, mirroring the reference implementation's
// execute(): a dom0 target invokes the multiplexer directly with the
// original nominal target; anything else is a QUBESRPC call tagged with
// the run-as user (DEFAULT if the rule didn't override one).
func (e *Executor) command(service, argument, source, originalDest, target, user string) string {
	serviceTok := service
	if argument != "" {
		serviceTok = service + "+" + argument
	}
	if target == "dom0" {
		return fmt.Sprintf("%s %s %s %s", multiplexerPath, serviceTok, source, originalDest)
	}
	if user == "" {
		user = "DEFAULT"
	}
	return fmt.Sprintf("%s:QUBESRPC %s %s", user, serviceTok, source)
}
