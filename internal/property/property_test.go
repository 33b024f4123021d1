package property

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/qerrors"
)

type testHost struct {
	bus *events.Bus
}

func (h *testHost) EmitterID() string    { return "holder" }
func (h *testHost) EventsEnabled() bool  { return true }
func (h *testHost) ClassChain() []string { return []string{"Holder"} }
func (h *testHost) Bus() *events.Bus     { return h.bus }

func newTestStore(t *testing.T) (*Store, *testHost) {
	t.Helper()
	h := &testHost{bus: events.NewBus()}
	s := NewStore(h)
	s.Register(&TypedDescriptor[string]{
		PropName:  "kernel",
		Parser:    func(v string) (string, error) { return v, nil },
		Saver:     func(v string) string { return v },
		DefaultFn: func(Host) (string, error) { return "vmlinuz-default", nil },
	})
	s.Register(&TypedDescriptor[int]{
		PropName: "vcpus",
		Parser:   strconv.Atoi,
		Saver:    strconv.Itoa,
		Setter: func(_ Host, v int) (int, error) {
			if v < 1 {
				return 0, errors.New("vcpus must be >= 1")
			}
			return v, nil
		},
	})
	s.Register(&TypedDescriptor[int]{
		PropName:    "qid",
		IsWriteOnce: true,
		Parser:      strconv.Atoi,
		Saver:       strconv.Itoa,
	})
	return s, h
}

func TestGetReturnsDefaultWhenUnset(t *testing.T) {
	s, _ := newTestStore(t)

	v, ok, err := s.Get("kernel")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "vmlinuz-default", v)
	require.False(t, s.IsSet("kernel"))
}

func TestGetWithoutDefaultReportsMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok, err := s.Get("vcpus")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SetRaw("kernel", "vmlinuz-5.4"))
	v, ok, err := s.Get("kernel")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "vmlinuz-5.4", v)
	require.True(t, s.IsSet("kernel"))
}

func TestSetFromStringRunsParserAndSetter(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SetFromString("vcpus", "4"))
	v, _, err := s.Get("vcpus")
	require.NoError(t, err)
	require.Equal(t, 4, v)

	err = s.SetFromString("vcpus", "0")
	require.Error(t, err)
	require.Equal(t, qerrors.Validation, qerrors.KindOf(err))

	err = s.SetFromString("vcpus", "not-a-number")
	require.Error(t, err)

	// A rejected set must not clobber the stored value.
	v, _, err = s.Get("vcpus")
	require.NoError(t, err)
	require.Equal(t, 4, v)
}

func TestWriteOnceRejectsSecondAssignment(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SetRaw("qid", 7))
	err := s.SetRaw("qid", 8)
	require.Error(t, err)

	v, _, _ := s.Get("qid")
	require.Equal(t, 7, v)
}

func TestDeleteRestoresDefault(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SetRaw("kernel", "vmlinuz-5.4"))
	require.NoError(t, s.Delete("kernel"))

	v, ok, err := s.Get("kernel")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "vmlinuz-default", v)
	require.False(t, s.IsSet("kernel"))
}

func TestAssigningDefaultMarkerIsDelete(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SetRaw("kernel", "vmlinuz-5.4"))
	require.NoError(t, s.SetRaw("kernel", Default))
	require.False(t, s.IsSet("kernel"))
}

func TestSetFiresPreAndPostEvents(t *testing.T) {
	s, h := newTestStore(t)

	var names []string
	h.bus.Subscribe("holder", "*", func(_, name string, kwargs map[string]any) (any, error) {
		names = append(names, name)
		return nil, nil
	})

	require.NoError(t, s.SetRaw("kernel", "vmlinuz-5.4"))
	require.Equal(t, []string{"property-pre-set:kernel", "property-set:kernel"}, names)
}

func TestPreSetVetoAbortsAssignment(t *testing.T) {
	s, h := newTestStore(t)

	h.bus.Subscribe("holder", "property-pre-set:kernel", func(_, _ string, _ map[string]any) (any, error) {
		return nil, errors.New("kernel changes are locked")
	})

	err := s.SetRaw("kernel", "vmlinuz-5.4")
	require.Error(t, err)
	require.False(t, s.IsSet("kernel"))
}

func TestUnknownPropertyRejected(t *testing.T) {
	s, _ := newTestStore(t)

	require.Error(t, s.SetRaw("nonexistent", "x"))
	require.Error(t, s.Delete("nonexistent"))
	_, _, err := s.Get("nonexistent")
	require.Error(t, err)
}

func TestListPreservesDeclarationOrder(t *testing.T) {
	s, _ := newTestStore(t)
	require.Equal(t, []string{"kernel", "vcpus", "qid"}, s.List())
}
