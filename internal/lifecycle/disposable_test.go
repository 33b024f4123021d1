package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/qube"
)

func TestCreateDisposableFollowsDefaultDispvmChain(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	fedora := addQube(t, app, 1, "fedora", qube.ClassTemplate)
	work := addQube(t, app, 2, "work", qube.ClassApp)
	require.NoError(t, work.Store.SetFromString("default_dispvm", "fedora"))
	_ = fedora

	name, err := mgr.CreateDisposable(ctx, "work")
	require.NoError(t, err)

	q, ok := app.Collection.ByName(name)
	require.True(t, ok)
	require.Equal(t, qube.ClassDisposable, q.Class())
	require.True(t, q.AutoCleanup())
	tmpl, _, _ := q.StringProp("template")
	require.Equal(t, "fedora", tmpl)
}

func TestCreateDisposableWithoutDefaultDispvmUsesBaseItself(t *testing.T) {
	mgr, app, _ := newTestManager(t)
	ctx := context.Background()

	addQube(t, app, 1, "fedora", qube.ClassTemplate)

	name, err := mgr.CreateDisposable(ctx, "fedora")
	require.NoError(t, err)

	q, ok := app.Collection.ByName(name)
	require.True(t, ok)
	tmpl, _, _ := q.StringProp("template")
	require.Equal(t, "fedora", tmpl)
}
