package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	calls []string
}

func (f *fakeTransport) Call(ctx context.Context, target, callerIdent, cmd string, wait bool) error {
	f.calls = append(f.calls, target)
	return nil
}

type fakeDomains struct {
	started   []string
	killed    []string
	disposed  string
	createErr error
}

func (f *fakeDomains) Start(ctx context.Context, name string) error {
	f.started = append(f.started, name)
	return nil
}

func (f *fakeDomains) Kill(ctx context.Context, name string) error {
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeDomains) CreateDisposable(ctx context.Context, base string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.disposed = base
	return "disp7", nil
}

func TestExecutorAllowDispatchesAndStartsTarget(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadString("qubes.Filecopy * work personal allow\n"))

	transport := &fakeTransport{}
	domains := &fakeDomains{}
	ex := &Executor{Engine: e, Resolver: newResolver(), Domains: domains, Transport: transport}

	err := ex.Execute(context.Background(), "123,work,456", "qubes.Filecopy", "", "work", "personal")
	require.NoError(t, err)
	require.Equal(t, []string{"personal"}, domains.started)
	require.Equal(t, []string{"personal"}, transport.calls)
}

func TestExecutorDenyNeverDispatches(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadString("qubes.Filecopy * work personal deny\n"))

	transport := &fakeTransport{}
	ex := &Executor{Engine: e, Resolver: newResolver(), Domains: &fakeDomains{}, Transport: transport}

	err := ex.Execute(context.Background(), "ident", "qubes.Filecopy", "", "work", "personal")
	require.Error(t, err)
	require.Empty(t, transport.calls)
}

func TestExecutorDispVMTargetCreatesStartsAndKills(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadString("qubes.Filecopy * work personal allow target=$dispvm:fedora\n"))

	transport := &fakeTransport{}
	domains := &fakeDomains{}
	ex := &Executor{Engine: e, Resolver: newResolver(), Domains: domains, Transport: transport}

	err := ex.Execute(context.Background(), "ident", "qubes.Filecopy", "", "work", "personal")
	require.NoError(t, err)
	require.Equal(t, "fedora", domains.disposed)
	require.Equal(t, []string{"disp7"}, domains.started)
	require.Equal(t, []string{"disp7"}, transport.calls)
	require.Equal(t, []string{"disp7"}, domains.killed)
}

func TestExecutorAskWithArbiterPicksCandidate(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadString("qubes.Filecopy * work @anyvm ask\n"))

	transport := &fakeTransport{}
	ex := &Executor{
		Engine:    e,
		Resolver:  newResolver(),
		Domains:   &fakeDomains{},
		Transport: transport,
		Arbiter: func(candidates []string) (bool, string) {
			require.Contains(t, candidates, "personal")
			return true, "personal"
		},
	}

	err := ex.Execute(context.Background(), "ident", "qubes.Filecopy", "", "work", "personal")
	require.NoError(t, err)
	require.Equal(t, []string{"personal"}, transport.calls)
}

func TestExecutorAskWithoutArbiterDenied(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadString("qubes.Filecopy * work @anyvm ask\n"))

	ex := &Executor{Engine: e, Resolver: newResolver(), Domains: &fakeDomains{}, Transport: &fakeTransport{}}

	err := ex.Execute(context.Background(), "ident", "qubes.Filecopy", "", "work", "personal")
	require.Error(t, err)
}

func TestExecutorAskRejectsTargetOutsideCandidates(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadString("qubes.Filecopy * work @anyvm ask\n"))

	ex := &Executor{
		Engine:    e,
		Resolver:  newResolver(),
		Domains:   &fakeDomains{},
		Transport: &fakeTransport{},
		Arbiter: func(candidates []string) (bool, string) {
			return true, "not-a-candidate"
		},
	}

	err := ex.Execute(context.Background(), "ident", "qubes.Filecopy", "", "work", "personal")
	require.Error(t, err)
}
