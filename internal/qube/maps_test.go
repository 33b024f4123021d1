package qube

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeatureValueCoercion(t *testing.T) {
	require.Equal(t, "", CoerceFeatureValue(nil))
	require.Equal(t, "", CoerceFeatureValue(false))
	require.Equal(t, "1", CoerceFeatureValue(true))
	require.Equal(t, "x", CoerceFeatureValue("x"))
}

func TestFeatureBoolSemantics(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	// Unset: false witness.
	require.False(t, q.Features.Bool("service.foo"))

	// Explicitly false: set but empty.
	require.NoError(t, q.Features.Set("service.foo", false))
	v, ok := q.Features.Get("service.foo")
	require.True(t, ok)
	require.Equal(t, "", v)
	require.False(t, q.Features.Bool("service.foo"))

	// Any non-empty string is truthy.
	require.NoError(t, q.Features.Set("service.foo", "yes"))
	require.True(t, q.Features.Bool("service.foo"))
}

func TestFeatureEventsAndVeto(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	var names []string
	app.Bus().Subscribe("work", "*", func(_, name string, _ map[string]any) (any, error) {
		if strings.HasPrefix(name, "domain-feature-") {
			names = append(names, name)
		}
		return nil, nil
	})

	require.NoError(t, q.Features.Set("gui", "1"))
	require.NoError(t, q.Features.Delete("gui"))
	require.Equal(t, []string{
		"domain-feature-pre-set:gui",
		"domain-feature-set:gui",
		"domain-feature-delete:gui",
	}, names)

	app.Bus().Subscribe("work", "domain-feature-pre-set:locked", func(_, _ string, _ map[string]any) (any, error) {
		return nil, errors.New("feature is locked")
	})
	require.Error(t, q.Features.Set("locked", "1"))
	_, ok := q.Features.Get("locked")
	require.False(t, ok)
}

func TestFeatureDeleteUnsetFails(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	require.Error(t, q.Features.Delete("never-set"))
}

func TestTagAddRemoveRoundTrip(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	before := q.Tags.List()

	var events []string
	app.Bus().Subscribe("work", "*", func(_, name string, _ map[string]any) (any, error) {
		if strings.HasPrefix(name, "domain-tag-") {
			events = append(events, name)
		}
		return nil, nil
	})

	require.NoError(t, q.Tags.Add("audio"))
	require.True(t, q.Tags.Has("audio"))
	require.NoError(t, q.Tags.Remove("audio"))

	require.Equal(t, before, q.Tags.List(), "add-then-remove must leave the set unchanged")
	require.Equal(t, []string{
		"domain-tag-pre-set:audio",
		"domain-tag-set:audio",
		"domain-tag-delete:audio",
	}, events, "no lingering events beyond the add/remove pair")
}

func TestTagAddIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	var count int
	app.Bus().Subscribe("work", "domain-tag-set:audio", func(_, _ string, _ map[string]any) (any, error) {
		count++
		return nil, nil
	})

	require.NoError(t, q.Tags.Add("audio"))
	require.NoError(t, q.Tags.Add("audio"))
	require.Equal(t, 1, count, "re-adding a present tag must not fire again")
}

func TestTagRemoveUnsetFails(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	require.Error(t, q.Tags.Remove("absent"))
}

func TestReservedTagPrefix(t *testing.T) {
	require.True(t, IsReservedPrefix("created-by-dom0"))
	require.False(t, IsReservedPrefix("audio"))
}

func TestDeviceAttachRejectsDifferentOptions(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	a := DeviceAssignment{BackendQube: "sys-usb", Ident: "2-1", Options: map[string]string{"read-only": "yes"}}
	require.NoError(t, q.Devices.Attach("usb", a))

	// Same options: tolerated.
	require.NoError(t, q.Devices.Attach("usb", a))

	// Different options: rejected.
	b := a
	b.Options = map[string]string{"read-only": "no"}
	require.Error(t, q.Devices.Attach("usb", b))

	require.Len(t, q.Devices.List("usb"), 1)
}

func TestDeviceDetach(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	a := DeviceAssignment{BackendQube: "sys-usb", Ident: "2-1"}
	require.NoError(t, q.Devices.Attach("usb", a))
	require.NoError(t, q.Devices.Detach("usb", "sys-usb", "2-1"))
	require.Empty(t, q.Devices.List("usb"))

	require.Error(t, q.Devices.Detach("usb", "sys-usb", "2-1"), "double detach")
}

func TestDeviceClassesAreIndependent(t *testing.T) {
	app := newTestApp(t)
	q := makeQube(t, app, 1, "work", ClassApp)
	require.NoError(t, app.Collection.Add(q))

	require.NoError(t, q.Devices.Attach("usb", DeviceAssignment{BackendQube: "sys-usb", Ident: "x"}))
	require.NoError(t, q.Devices.Attach("block", DeviceAssignment{BackendQube: "sys-usb", Ident: "x"}))
	require.Len(t, q.Devices.List("usb"), 1)
	require.Len(t, q.Devices.List("block"), 1)
}
