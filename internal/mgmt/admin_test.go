package mgmt

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/hypervisor"
	"github.com/openqube/qubesd/internal/lifecycle"
	"github.com/openqube/qubesd/internal/qerrors"
	"github.com/openqube/qubesd/internal/qube"
	"github.com/openqube/qubesd/internal/storagepool"
	"github.com/openqube/qubesd/internal/store"
)

func newTestAdmin(t *testing.T) (*AdminHandlers, *Registry, *qube.App) {
	t.Helper()
	bus := events.NewBus()
	app, err := qube.NewApp(bus, t.TempDir()+"/qubes.xml")
	require.NoError(t, err)

	hv := hypervisor.NewFakeAdapter()
	pools := map[string]storagepool.Pool{"default": storagepool.NewDirPool("default", t.TempDir())}
	mgr := lifecycle.NewManager(app, hv, pools, nil)

	admin := &AdminHandlers{App: app, Lifecycle: mgr}
	reg := NewRegistry(bus)
	admin.Register(reg)
	admin.RegisterEvents(reg)
	return admin, reg, app
}

func addQube(t *testing.T, app *qube.App, qid int, name string, cls qube.Class) *qube.Qube {
	t.Helper()
	q := qube.NewQube(app.Bus(), qid, uuid.New(), name, cls)
	require.NoError(t, q.Store.SetRaw("qid", qid))
	require.NoError(t, q.Store.SetRaw("uuid", q.UUID().String()))
	require.NoError(t, q.Store.SetRaw("name", name))
	require.NoError(t, q.Store.SetRaw("class", string(cls)))
	require.NoError(t, app.Collection.Add(q))
	return q
}

func call(reg *Registry, method, source, dest, arg string, payload []byte) ([]byte, error) {
	return reg.Dispatch(&CallContext{
		Context:    context.Background(),
		Method:     method,
		Arg:        arg,
		Dest:       dest,
		SourceQube: source,
		Payload:    payload,
	})
}

// The first end-to-end scenario: an empty system lists exactly dom0,
// Running by definition.
func TestAdminVMListEmptySystem(t *testing.T) {
	_, reg, _ := newTestAdmin(t)

	out, err := call(reg, "admin.vm.List", "dom0", "dom0", "", nil)
	require.NoError(t, err)
	require.Equal(t, "dom0 class=AdminVM state=Running\n", string(out))
}

// The second end-to-end scenario: an explicitly assigned label reads
// back as "default=False type=label <value>".
func TestAdminPropertyGetAssignedLabel(t *testing.T) {
	_, reg, app := newTestAdmin(t)

	vm := addQube(t, app, 1, "vm", qube.ClassApp)
	require.NoError(t, vm.Store.SetFromString("label", "red"))

	out, err := call(reg, "admin.vm.property.Get", "dom0", "vm", "label", nil)
	require.NoError(t, err)
	require.Equal(t, "default=False type=label red", string(out))
}

func TestAdminPropertyGetUnsetReportsDefault(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	addQube(t, app, 1, "vm", qube.ClassApp)

	out, err := call(reg, "admin.vm.property.Get", "dom0", "vm", "virt_mode", nil)
	require.NoError(t, err)
	require.Equal(t, "default=True type=str hvm", string(out))
}

func TestAdminPropertySetAndReset(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	vm := addQube(t, app, 1, "vm", qube.ClassApp)

	_, err := call(reg, "admin.vm.property.Set", "dom0", "vm", "vcpus", []byte("4"))
	require.NoError(t, err)
	v, _, err := vm.Store.Get("vcpus")
	require.NoError(t, err)
	require.Equal(t, 4, v)

	_, err = call(reg, "admin.vm.property.Set", "dom0", "vm", "vcpus", []byte("0"))
	require.Error(t, err)
	require.Equal(t, qerrors.Validation, qerrors.KindOf(err))

	_, err = call(reg, "admin.vm.property.Reset", "dom0", "vm", "vcpus", nil)
	require.NoError(t, err)
	require.False(t, vm.Store.IsSet("vcpus"))
}

func TestAdminVMCreateAndRemove(t *testing.T) {
	_, reg, app := newTestAdmin(t)

	_, err := call(reg, "admin.vm.Create", "dom0", "dom0", "AppVM", []byte("name=work\nlabel=red\n"))
	require.NoError(t, err)

	q, ok := app.Collection.ByName("work")
	require.True(t, ok)
	require.Equal(t, qube.ClassApp, q.Class())
	require.Equal(t, 1, q.QID())

	_, err = call(reg, "admin.vm.Create", "dom0", "dom0", "AppVM", []byte("name=work\n"))
	require.Error(t, err, "duplicate name")

	_, err = call(reg, "admin.vm.Create", "dom0", "dom0", "NoSuchClass", []byte("name=x\n"))
	require.Error(t, err)

	_, err = call(reg, "admin.vm.Remove", "dom0", "work", "", nil)
	require.NoError(t, err)
	_, ok = app.Collection.ByName("work")
	require.False(t, ok)
}

func TestVMListComposesPermissionFilters(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	addQube(t, app, 1, "work", qube.ClassApp)
	addQube(t, app, 2, "secret", qube.ClassApp)

	app.Bus().Subscribe("admin.vm.List", "mgmt-permission:admin.vm.List", func(_, _ string, _ map[string]any) (any, error) {
		return PermissionFilter(func(name string) bool { return name != "secret" }), nil
	})

	out, err := call(reg, "admin.vm.List", "dom0", "dom0", "", nil)
	require.NoError(t, err)
	require.Contains(t, string(out), "dom0 class=AdminVM")
	require.Contains(t, string(out), "work class=AppVM")
	require.NotContains(t, string(out), "secret")
}

func TestVMListConcreteDestListsOnlyThatQube(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	addQube(t, app, 1, "work", qube.ClassApp)
	addQube(t, app, 2, "other", qube.ClassApp)

	out, err := call(reg, "admin.vm.List", "dom0", "work", "", nil)
	require.NoError(t, err)
	require.Equal(t, "work class=AppVM state=Halted\n", string(out))
}

func TestFilterRejectingDestDeniesCall(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	addQube(t, app, 1, "work", qube.ClassApp)
	addQube(t, app, 2, "secret", qube.ClassApp)

	app.Bus().Subscribe("admin.vm.property.Get", "mgmt-permission:admin.vm.property.Get", func(_, _ string, _ map[string]any) (any, error) {
		return PermissionFilter(func(name string) bool { return name != "secret" }), nil
	})

	_, err := call(reg, "admin.vm.property.Get", "dom0", "secret", "virt_mode", nil)
	require.Error(t, err)
	require.Equal(t, qerrors.PermissionDenied, qerrors.KindOf(err))

	_, err = call(reg, "admin.vm.property.Get", "dom0", "work", "virt_mode", nil)
	require.NoError(t, err)
}

func TestPayloadRejectedOnPayloadlessMethod(t *testing.T) {
	_, reg, _ := newTestAdmin(t)

	_, err := call(reg, "admin.vm.List", "dom0", "dom0", "", []byte("unexpected"))
	require.Error(t, err)
	require.Equal(t, qerrors.Protocol, qerrors.KindOf(err))
}

func TestAdminUnknownMethodReadsAsPermissionDenied(t *testing.T) {
	_, reg, _ := newTestAdmin(t)

	_, err := call(reg, "admin.vm.NoSuchMethod", "dom0", "dom0", "", nil)
	require.Error(t, err)
	require.Equal(t, qerrors.PermissionDenied, qerrors.KindOf(err))
}

func TestPermissionGateVetoesCall(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	addQube(t, app, 1, "untrusted", qube.ClassApp)

	app.Bus().Subscribe("admin.vm.List", "mgmt-permission:admin.vm.List", func(_, _ string, kwargs map[string]any) (any, error) {
		if kwargs["source"] == "untrusted" {
			return nil, errors.New("vetoed")
		}
		return nil, nil
	})

	_, err := call(reg, "admin.vm.List", "untrusted", "dom0", "", nil)
	require.Error(t, err)
	require.Equal(t, qerrors.PermissionDenied, qerrors.KindOf(err))

	_, err = call(reg, "admin.vm.List", "dom0", "dom0", "", nil)
	require.NoError(t, err)
}

func TestAdminTagSetRejectsReservedNamespace(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	vm := addQube(t, app, 1, "vm", qube.ClassApp)

	_, err := call(reg, "admin.vm.tag.Set", "dom0", "vm", "created-by-dom0", nil)
	require.Error(t, err)
	require.Equal(t, qerrors.PermissionDenied, qerrors.KindOf(err))
	require.False(t, vm.Tags.Has("created-by-dom0"))

	_, err = call(reg, "admin.vm.tag.Set", "dom0", "vm", "audio", nil)
	require.NoError(t, err)
	require.True(t, vm.Tags.Has("audio"))
}

func TestAdminFeatureFlow(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	addQube(t, app, 1, "vm", qube.ClassApp)

	_, err := call(reg, "admin.vm.feature.Get", "dom0", "vm", "gui", nil)
	require.Error(t, err, "unset feature")

	_, err = call(reg, "admin.vm.feature.Set", "dom0", "vm", "gui", []byte("1"))
	require.NoError(t, err)

	out, err := call(reg, "admin.vm.feature.Get", "dom0", "vm", "gui", nil)
	require.NoError(t, err)
	require.Equal(t, "1", string(out))

	_, err = call(reg, "admin.vm.feature.Remove", "dom0", "vm", "gui", nil)
	require.NoError(t, err)
}

func TestAdminDeviceAttachDetach(t *testing.T) {
	_, reg, app := newTestAdmin(t)
	addQube(t, app, 1, "vm", qube.ClassApp)
	addQube(t, app, 2, "sys-usb", qube.ClassApp)

	_, err := call(reg, "admin.vm.device.Attach", "dom0", "vm", "usb", []byte("sys-usb 2-1 read-only=yes"))
	require.NoError(t, err)

	out, err := call(reg, "admin.vm.device.List", "dom0", "vm", "usb", nil)
	require.NoError(t, err)
	require.Equal(t, "sys-usb+2-1\n", string(out))

	_, err = call(reg, "admin.vm.device.Detach", "dom0", "vm", "usb", []byte("sys-usb 2-1"))
	require.NoError(t, err)

	out, err = call(reg, "admin.vm.device.List", "dom0", "vm", "usb", nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

// Full wire-level pass over a real socket: the request framing, source
// sanitization, dispatch, and response framing of spec §4.6 end to end.
func TestServerOverUnixSocket(t *testing.T) {
	_, reg, app := newTestAdmin(t)

	st := store.New(app.StorePath)
	srv := NewServer(reg, st, app, map[string]bool{})

	sock := t.TempDir() + "/admin.sock"
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, l) }()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteRequest(conn, Request{Source: "dom0", Method: "admin.vm.List", Dest: "dom0"}))
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	resp, err := ReadResponse(bufio.NewReader(conn))
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "dom0 class=AdminVM state=Running\n", string(resp.Payload))
}

func TestServerRejectsUnknownSource(t *testing.T) {
	_, reg, app := newTestAdmin(t)

	st := store.New(app.StorePath)
	srv := NewServer(reg, st, app, map[string]bool{})

	sock := t.TempDir() + "/admin.sock"
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, l) }()

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteRequest(conn, Request{Source: "ghost", Method: "admin.vm.List", Dest: "dom0"}))
	require.NoError(t, conn.(*net.UnixConn).CloseWrite())

	resp, err := ReadResponse(bufio.NewReader(conn))
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, qerrors.Protocol, resp.Kind)
}
