package qube

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/events"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := NewApp(events.NewBus(), t.TempDir()+"/qubes.xml")
	require.NoError(t, err)
	return app
}

func makeQube(t *testing.T, app *App, qid int, name string, cls Class) *Qube {
	t.Helper()
	q := NewQube(app.Bus(), qid, uuid.New(), name, cls)
	require.NoError(t, q.Store.SetRaw("qid", qid))
	require.NoError(t, q.Store.SetRaw("uuid", q.UUID().String()))
	require.NoError(t, q.Store.SetRaw("name", name))
	require.NoError(t, q.Store.SetRaw("class", string(cls)))
	return q
}

func TestValidateQubeNameBoundaries(t *testing.T) {
	require.NoError(t, ValidateQubeName(strings.Repeat("a", 31)))
	require.Error(t, ValidateQubeName(strings.Repeat("a", 32)))
	require.Error(t, ValidateQubeName("1leading-digit"))
	require.Error(t, ValidateQubeName("lost+found"))
	require.Error(t, ValidateQubeName(""))
	require.Error(t, ValidateQubeName("has space"))
	require.NoError(t, ValidateQubeName("work-web_2"))
}

func TestNewAppInstallsDom0(t *testing.T) {
	app := newTestApp(t)

	dom0, ok := app.Collection.ByQID(0)
	require.True(t, ok)
	require.Equal(t, "dom0", dom0.Name())
	require.Equal(t, ClassAdmin, dom0.Class())

	byName, ok := app.Collection.ByName("dom0")
	require.True(t, ok)
	require.Same(t, dom0, byName)
}

func TestDom0CannotBeGivenOverrides(t *testing.T) {
	app := newTestApp(t)
	dom0, _ := app.Collection.ByQID(0)

	require.Error(t, dom0.Store.SetFromString("netvm", "sys-net"))
	require.Error(t, dom0.Store.SetFromString("kernel", "vmlinuz-5.4"))
	require.Error(t, dom0.Store.SetFromString("memory", "1048576"))
}

func TestCollectionRejectsCollisions(t *testing.T) {
	app := newTestApp(t)

	require.NoError(t, app.Collection.Add(makeQube(t, app, 1, "work", ClassApp)))

	require.Error(t, app.Collection.Add(makeQube(t, app, 1, "other", ClassApp)), "duplicate qid")
	require.Error(t, app.Collection.Add(makeQube(t, app, 2, "work", ClassApp)), "duplicate name")

	// qid 0 belongs to dom0 and can never be taken by add.
	require.Error(t, app.Collection.Add(makeQube(t, app, 0, "usurper", ClassApp)))
}

func TestNewUnusedQIDReturnsSmallestFree(t *testing.T) {
	app := newTestApp(t)

	qid, err := app.Collection.NewUnusedQID()
	require.NoError(t, err)
	require.Equal(t, 1, qid, "qid 0 is reserved for dom0")

	require.NoError(t, app.Collection.Add(makeQube(t, app, 1, "a", ClassApp)))
	require.NoError(t, app.Collection.Add(makeQube(t, app, 3, "c", ClassApp)))

	qid, err = app.Collection.NewUnusedQID()
	require.NoError(t, err)
	require.Equal(t, 2, qid, "the smallest gap wins, not max+1")
}

func TestDispIDsAreNotReusedUntilReleased(t *testing.T) {
	app := newTestApp(t)

	first, err := app.Collection.NewUnusedDispID()
	require.NoError(t, err)
	second, err := app.Collection.NewUnusedDispID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	app.Collection.ReleaseDispID(first)
	third, err := app.Collection.NewUnusedDispID()
	require.NoError(t, err)
	require.Equal(t, first, third)
}

func TestDelFiresVetoablePreDelete(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	app.Bus().Subscribe("work", "domain-pre-delete", func(_, _ string, _ map[string]any) (any, error) {
		return nil, errors.New("still referenced")
	})

	require.Error(t, app.Collection.Del(q))
	_, ok := app.Collection.ByName("work")
	require.True(t, ok, "a vetoed delete must leave the qube in place")
}

func TestConnectedVMsComputedByScan(t *testing.T) {
	app := newTestApp(t)

	netvm := makeQube(t, app, 1, "sys-net", ClassApp)
	require.NoError(t, netvm.Store.SetRaw("provides_network", true))
	require.NoError(t, app.Collection.Add(netvm))

	work := makeQube(t, app, 2, "work", ClassApp)
	require.NoError(t, app.Collection.Add(work))
	require.NoError(t, work.Store.SetRaw("netvm", "sys-net"))

	deps := app.Collection.ConnectedVMs(netvm)
	require.Len(t, deps, 1)
	require.Equal(t, "work", deps[0].Name())

	require.NoError(t, work.Store.Delete("netvm"))
	require.Empty(t, app.Collection.ConnectedVMs(netvm))
}

func TestNetvmValidationEnforcesDAG(t *testing.T) {
	app := newTestApp(t)

	a := makeQube(t, app, 1, "net-a", ClassApp)
	require.NoError(t, a.Store.SetRaw("provides_network", true))
	require.NoError(t, app.Collection.Add(a))

	b := makeQube(t, app, 2, "net-b", ClassApp)
	require.NoError(t, b.Store.SetRaw("provides_network", true))
	require.NoError(t, app.Collection.Add(b))

	plain := makeQube(t, app, 3, "plain", ClassApp)
	require.NoError(t, app.Collection.Add(plain))

	require.Error(t, ValidateNetvmRef(app.Collection, a, "net-a"), "self-loop")
	require.Error(t, ValidateNetvmRef(app.Collection, a, "plain"), "target must provide network")

	require.NoError(t, ValidateNetvmRef(app.Collection, b, "net-a"))
	require.NoError(t, b.Store.SetRaw("netvm", "net-a"))
	require.Error(t, ValidateNetvmRef(app.Collection, a, "net-b"), "cycle through net-a")
}

func TestTemplateValidation(t *testing.T) {
	app := newTestApp(t)

	tpl := makeQube(t, app, 1, "fedora", ClassTemplate)
	require.NoError(t, app.Collection.Add(tpl))

	appvm := makeQube(t, app, 2, "work", ClassApp)
	require.NoError(t, app.Collection.Add(appvm))

	require.NoError(t, ValidateTemplateRef(app.Collection, appvm, "fedora"))
	require.Error(t, ValidateTemplateRef(app.Collection, appvm, "work"), "an AppVM is not a template")
	require.Error(t, ValidateTemplateRef(app.Collection, appvm, ""))

	disp := makeQube(t, app, 3, "disp1", ClassDisposable)
	require.NoError(t, app.Collection.Add(disp))

	base := makeQube(t, app, 4, "dvm-base", ClassApp)
	require.NoError(t, app.Collection.Add(base))
	require.Error(t, ValidateTemplateRef(app.Collection, disp, "dvm-base"))

	require.NoError(t, base.Store.SetRaw("template_for_dispvms", true))
	require.NoError(t, ValidateTemplateRef(app.Collection, disp, "dvm-base"))
}

func TestLabelTableReservedRangeAndInUse(t *testing.T) {
	app := newTestApp(t)

	_, ok := app.Labels.ByName("red")
	require.True(t, ok)

	require.Error(t, app.Labels.Add(Label{Index: 3, Color: "0x123456", Name: "mine"}), "built-in range")
	require.NoError(t, app.Labels.Add(Label{Index: 9, Color: "0x123456", Name: "mine"}))
	require.Error(t, app.Labels.Add(Label{Index: 9, Color: "0x654321", Name: "other"}), "index collision")

	require.Error(t, app.Labels.Remove(9, func(int) bool { return true }))
	require.NoError(t, app.Labels.Remove(9, func(int) bool { return false }))
}

func TestIPDerivedFromQID(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 12, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	require.Equal(t, "10.137.0.14", q.IP())
	require.Equal(t, "10.137.0.3", q.Gateway())

	disp := makeQube(t, app, 13, "disp1", ClassDisposable)
	disp.SetDispID(DispIDBase + 1)
	require.NotEqual(t, "10.137.0.15", disp.IP(), "disposables draw their IP from the dispid")
}

func TestQubeInvariantPropertySetters(t *testing.T) {
	SetHostLimits(HostLimits{MemoryTotalKiB: 8 << 20, CPUs: 8})
	defer SetHostLimits(HostLimits{MemoryTotalKiB: 1 << 34, CPUs: 256})

	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	require.Error(t, q.Store.SetFromString("memory", "0"))
	require.Error(t, q.Store.SetFromString("memory", "9437184"), "exceeds host total")
	require.NoError(t, q.Store.SetFromString("memory", "409600"))

	require.Error(t, q.Store.SetFromString("maxmem", "4097000"), "exceeds 10x memory")
	require.NoError(t, q.Store.SetFromString("maxmem", "4096000"))

	require.Error(t, q.Store.SetFromString("vcpus", "0"))
	require.Error(t, q.Store.SetFromString("vcpus", "9"))
	require.NoError(t, q.Store.SetFromString("vcpus", "8"))

	require.Error(t, q.Store.SetFromString("qrexec_timeout", "0"))
	require.NoError(t, q.Store.SetFromString("qrexec_timeout", "120"))
}
