package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/client"
	"github.com/openqube/qubesd/internal/qerrors"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StorePath = dir + "/qubes.xml"
	cfg.AdminSocketPath = dir + "/a.sock"
	cfg.InternalSocketPath = dir + "/i.sock"
	cfg.MiscSocketPath = dir + "/m.sock"
	cfg.PolicyDir = dir + "/policy"
	cfg.UseFakeHypervisor = true
	cfg.DisableIdleBalance = true
	return cfg
}

func startDaemon(t *testing.T, cfg Config) *Daemon {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(2 * time.Second) })
	return d
}

func TestDaemonBootstrapsAndServesAdminAPI(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	c := client.New(cfg.AdminSocketPath)
	out, err := c.Call(context.Background(), "admin.vm.List", "", "dom0", nil)
	require.NoError(t, err)
	require.Equal(t, "dom0 class=AdminVM state=Running\n", string(out))
}

func TestDaemonMutatingCallPersistsAndReloads(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)
	ctx := context.Background()

	c := client.New(cfg.AdminSocketPath)
	_, err := c.Call(ctx, "admin.vm.Create", "AppVM", "dom0", []byte("name=work\nlabel=red\n"))
	require.NoError(t, err)

	// A second daemon over the same store sees the qube: the mutating
	// call persisted before its response went out.
	cfg2 := cfg
	dir := t.TempDir()
	cfg2.AdminSocketPath = dir + "/a.sock"
	cfg2.InternalSocketPath = dir + "/i.sock"
	cfg2.MiscSocketPath = dir + "/m.sock"
	startDaemon(t, cfg2)

	out, err := client.New(cfg2.AdminSocketPath).Call(ctx, "admin.vm.List", "", "dom0", nil)
	require.NoError(t, err)
	require.Contains(t, string(out), "work class=AppVM")
}

func TestDaemonInternalSystemInfo(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	out, err := client.New(cfg.InternalSocketPath).Call(context.Background(), "internal.GetSystemInfo", "", "dom0", nil)
	require.NoError(t, err)
	require.Contains(t, string(out), "dom0: class=AdminVM")
	require.Contains(t, string(out), "labels:")
}

func TestDaemonMiscAPIRecordsSelfReportedFeatures(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg)
	ctx := context.Background()

	_, err := client.New(cfg.AdminSocketPath).Call(ctx, "admin.vm.Create", "AppVM", "dom0", []byte("name=work\nlabel=red\n"))
	require.NoError(t, err)

	mc := client.New(cfg.MiscSocketPath)
	mc.Source = "work"
	_, err = mc.Call(ctx, "qubes.FeaturesRequest", "", "work", []byte("gui=1\n"))
	require.NoError(t, err)

	work, ok := d.App.Collection.ByName("work")
	require.True(t, ok)
	require.True(t, work.Features.Bool("supported-gui"))
}

func TestDaemonSurfacesTypedErrors(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	_, err := client.New(cfg.AdminSocketPath).Call(context.Background(), "admin.vm.property.Get", "label", "ghost", nil)
	require.Error(t, err)
	require.Equal(t, qerrors.Validation, qerrors.KindOf(err))
}
