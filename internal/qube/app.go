package qube

import (
	"sync"

	"github.com/google/uuid"
	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/property"
	"github.com/openqube/qubesd/internal/qerrors"
)

// deterministicDom0UUID returns a fixed UUID (v5, derived from the DNS
// namespace and the qube name) for dom0, rather than a fresh random one:
// dom0's uuid must be stable across daemon restarts without relying on a
// loaded store, since dom0 always exists even before first load.
func deterministicDom0UUID() (uuid.UUID, error) {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("dom0.qubes")), nil
}

// Label is (index, color, name) per spec §3. Built-in labels occupy
// indices [0, ReservedLabelMax); user labels must exceed that.
type Label struct {
	Index int
	Color string
	Name  string
}

// ReservedLabelMax is the first index available to user-defined labels.
const ReservedLabelMax = 8

var builtinLabels = []Label{
	{0, "0xcc0000", "red"},
	{1, "0xf57900", "orange"},
	{2, "0xedd400", "yellow"},
	{3, "0x73d216", "green"},
	{4, "0x555753", "gray"},
	{5, "0x3465a4", "blue"},
	{6, "0x75507b", "purple"},
	{7, "0x000000", "black"},
}

// LabelTable is the App's label registry.
type LabelTable struct {
	mu     sync.RWMutex
	labels map[int]Label
}

func newLabelTable() *LabelTable {
	t := &LabelTable{labels: make(map[int]Label)}
	for _, l := range builtinLabels {
		t.labels[l.Index] = l
	}
	return t
}

func (t *LabelTable) Get(index int) (Label, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.labels[index]
	return l, ok
}

func (t *LabelTable) ByName(name string) (Label, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.labels {
		if l.Name == name {
			return l, true
		}
	}
	return Label{}, false
}

// Add registers a user label; its index must exceed the built-in range.
func (t *LabelTable) Add(l Label) error {
	if l.Index < ReservedLabelMax {
		return qerrors.Validationf("label index %d is in the built-in range", l.Index)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.labels[l.Index]; exists {
		return qerrors.Validationf("label index %d already in use", l.Index)
	}
	t.labels[l.Index] = l
	return nil
}

// Remove deletes a label; inUse reports whether any qube currently
// references it, in which case the delete is forbidden (spec §3).
func (t *LabelTable) Remove(index int, inUse func(int) bool) error {
	if inUse(index) {
		return qerrors.Validationf("label %d is in use", index)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.labels, index)
	return nil
}

func (t *LabelTable) All() []Label {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Label, 0, len(t.labels))
	for _, l := range t.labels {
		out = append(out, l)
	}
	return out
}

// PoolConfig is an opaque storage pool configuration entry; the pool
// driver itself is an external collaborator (spec §1, §6).
type PoolConfig struct {
	Name   string
	Driver string
	Config map[string]string
}

// App is the root aggregate (spec §3). Exactly one exists per process; it
// is passed explicitly to every component rather than held as a package
// global (design notes §9 "Global mutable state → explicit App handle").
type App struct {
	*property.Store

	bus           *events.Bus
	Labels        *LabelTable
	Collection    *Collection
	eventsEnabled bool

	mu    sync.RWMutex
	pools map[string]PoolConfig

	StorePath string
}

// NewApp constructs an App with an empty collection and the built-in
// label set, and installs the administrative qube (dom0, qid 0) per I2.
func NewApp(bus *events.Bus, storePath string) (*App, error) {
	a := &App{
		bus:           bus,
		Labels:        newLabelTable(),
		pools:         make(map[string]PoolConfig),
		StorePath:     storePath,
		eventsEnabled: true,
	}
	a.Collection = NewCollection(bus)
	a.Store = property.NewStore(a)
	registerAppProperties(a.Store)

	dom0, err := NewAdminQube(bus)
	if err != nil {
		return nil, err
	}
	if err := a.Collection.Add(dom0); err != nil {
		return nil, err
	}

	return a, nil
}

// --- events.Emitter: the App itself can be fired on, for global events
// like domain-add/domain-delete subscribers that want them via "*" on the
// empty emitter id, and for its own property-set events. ---

func (a *App) EmitterID() string    { return "" }
func (a *App) EventsEnabled() bool  { return a.eventsEnabled }
func (a *App) ClassChain() []string { return []string{"App"} }
func (a *App) Bus() *events.Bus     { return a.bus }

// SetEventsEnabledDuringLoad toggles event dispatch on the App and on
// every qube currently in its collection, per spec §4.1's "no-op during
// bulk load" fast path.
func (a *App) SetEventsEnabledDuringLoad(enabled bool) {
	a.eventsEnabled = enabled
	for _, q := range a.Collection.All() {
		q.SetEventsEnabled(enabled)
	}
}

// AddPool registers a storage pool configuration.
func (a *App) AddPool(p PoolConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[p.Name] = p
}

func (a *App) Pools() map[string]PoolConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]PoolConfig, len(a.pools))
	for k, v := range a.pools {
		out[k] = v
	}
	return out
}

func registerAppProperties(s *property.Store) {
	s.Register(&property.TypedDescriptor[string]{PropName: "default_netvm", Stage: 3, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[string]{PropName: "default_template", Stage: 3, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[string]{PropName: "default_dispvm", Stage: 3, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[string]{PropName: "default_kernel", Stage: 3, Parser: strParser, Saver: strSaver})
	s.Register(&property.TypedDescriptor[bool]{
		PropName: "check_updates_vm", Stage: 3, Parser: boolParser, Saver: boolSaver,
		DefaultFn: func(h property.Host) (bool, error) { return true, nil },
	})
}

// NewAdminQube builds dom0, the administrative qube required by I2: qid
// 0, name "dom0", never started/stopped/renamed, no netvm/kernel/memory
// override.
func NewAdminQube(bus *events.Bus) (*Qube, error) {
	id, err := deterministicDom0UUID()
	if err != nil {
		return nil, err
	}
	q := NewQube(bus, 0, id, "dom0", ClassAdmin)
	if err := q.Store.SetRaw("qid", 0); err != nil {
		return nil, err
	}
	if err := q.Store.SetRaw("name", "dom0"); err != nil {
		return nil, err
	}
	if err := q.Store.SetRaw("class", string(ClassAdmin)); err != nil {
		return nil, err
	}
	if err := q.Store.SetRaw("label", "black"); err != nil {
		return nil, err
	}
	return q, nil
}
