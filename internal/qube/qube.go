// Package qube implements the qube object model of spec §3 (C3's model
// half) together with the device/feature/tag maps of C8. Persistence
// (XML load/save, locking) lives in package store; lifecycle transitions
// live in package lifecycle — this package only owns identity, properties,
// and the owned collections (features, tags, devices, firewall, volumes).
package qube

import (
	"sync"

	"github.com/google/uuid"
	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/property"
	"github.com/openqube/qubesd/internal/qerrors"
)

// FirewallRule is one ordered entry of a qube's firewall rule list.
type FirewallRule struct {
	Action   string // accept | drop | reject
	Proto    string // tcp | udp | icmp | ""
	DstHost  string
	DstPorts string
	Comment  string
}

// VolumeConfig describes one of a qube's owned volumes.
type VolumeConfig struct {
	Name        string
	Pool        string
	SizeKiB     int64
	SnapOnStart bool
	SaveOnStop  bool
	Source      string
}

// Qube is a single compartment descriptor (spec §3).
type Qube struct {
	*property.Store

	mu   sync.RWMutex
	bus  *events.Bus
	coll *Collection // weak back-reference for VM-typed lookups, set by Collection.Add

	qid  int
	uid  uuid.UUID
	name string
	cls  Class

	eventsEnabled bool

	Features *FeatureMap
	Tags     *TagSet
	Devices  *DeviceMap

	firewall []FirewallRule
	volumes  map[string]VolumeConfig

	// Derived, not persisted.
	xid         int
	dispid      int
	autoCleanup bool // disposable qubes killed+removed after their one qrexec session
}

// NewQube constructs a qube in the given collection's bus, with identity
// already resolved (qid/uuid/name/class are write-once and assigned by
// add_new_vm / load, never afterwards — I1).
func NewQube(bus *events.Bus, qid int, id uuid.UUID, name string, cls Class) *Qube {
	q := &Qube{
		bus:           bus,
		qid:           qid,
		uid:           id,
		name:          name,
		cls:           cls,
		eventsEnabled: true,
		xid:           -1,
		volumes:       make(map[string]VolumeConfig),
	}
	q.Store = property.NewStore(q)
	q.Features = newFeatureMap(bus, q)
	q.Tags = newTagSet(bus, q)
	q.Devices = newDeviceMap(bus, q)
	registerQubeProperties(q.Store)
	return q
}

// --- events.Emitter ---

func (q *Qube) EmitterID() string       { return q.name }
func (q *Qube) EventsEnabled() bool     { return q.eventsEnabled }
func (q *Qube) ClassChain() []string    { return classChain(q.cls) }
func (q *Qube) SetEventsEnabled(v bool) { q.eventsEnabled = v }

// --- property.Host ---

func (q *Qube) Bus() *events.Bus { return q.bus }

// --- identity accessors (write-once, never via the generic Store after
// construction) ---

func (q *Qube) QID() int        { return q.qid }
func (q *Qube) UUID() uuid.UUID { return q.uid }
func (q *Qube) Name() string    { return q.name }
func (q *Qube) Class() Class    { return q.cls }

// setName is called only by Collection.renameIndex (reached through
// lifecycle.Rename), under the collection lock while it moves the name
// index entry (spec §4.4 "Rename").
func (q *Qube) setName(n string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.name = n
}

func (q *Qube) collection() *Collection {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.coll
}

// Collection returns the collection q was added to, or nil if it has not
// been added to one yet. Exported for lifecycle, which needs to resolve
// netvm/template references relative to q's owning collection.
func (q *Qube) Collection() *Collection { return q.collection() }

func (q *Qube) setCollection(c *Collection) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.coll = c
}

// XID returns the hypervisor runtime id, -1 when not running.
func (q *Qube) XID() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.xid
}

// SetXID is called by lifecycle on start/stop transitions.
func (q *Qube) SetXID(xid int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.xid = xid
}

// DispID returns the disposable-qube network slot id, or 0 if this isn't
// a disposable qube.
func (q *Qube) DispID() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dispid
}

func (q *Qube) SetDispID(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispid = id
}

// AutoCleanup reports whether this qube (a disposable instance) should be
// killed and removed once its single qrexec session completes.
func (q *Qube) AutoCleanup() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.autoCleanup
}

func (q *Qube) SetAutoCleanup(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.autoCleanup = v
}

// IP is derived from the qid (or dispid for disposables), never stored.
func (q *Qube) IP() string {
	if q.cls == ClassDisposable && q.DispID() > 0 {
		return ipForSlot(q.DispID())
	}
	return ipForSlot(q.qid)
}

// Gateway is the netvm's IP on the qube's internal network, i.e. slot 1.
func (q *Qube) Gateway() string { return ipForSlot(1) }

func ipForSlot(slot int) string {
	// 10.137.<hi>.<lo>, matching the convention of IP-per-qid allocation
	// described in spec §3 ("derived state ... allocated from qid").
	return "10.137." + itoa(slot/254) + "." + itoa(2+slot%254)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Firewall returns a copy of the ordered firewall rule list.
func (q *Qube) Firewall() []FirewallRule {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]FirewallRule, len(q.firewall))
	copy(out, q.firewall)
	return out
}

// SetFirewall replaces the firewall rule list wholesale, the way the
// configuration-bus firewall entries are refreshed on netvm attach
// (§4.4 "Netvm attach/detach").
func (q *Qube) SetFirewall(rules []FirewallRule) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.firewall = append([]FirewallRule(nil), rules...)
}

// Volume returns the named volume's config.
func (q *Qube) Volume(name string) (VolumeConfig, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	v, ok := q.volumes[name]
	return v, ok
}

// Volumes returns all volume configs, keyed by name.
func (q *Qube) Volumes() map[string]VolumeConfig {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]VolumeConfig, len(q.volumes))
	for k, v := range q.volumes {
		out[k] = v
	}
	return out
}

// SetVolume assigns or replaces one volume's config.
func (q *Qube) SetVolume(v VolumeConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.volumes[v.Name] = v
}

// StringProp is a small convenience for callers (mgmt handlers, CLI) that
// want a property's value as a string regardless of its underlying Go
// type, formatting it with the descriptor's Saver.
func (q *Qube) StringProp(name string) (string, bool, error) {
	d, ok := q.Store.Descriptor(name)
	if !ok {
		return "", false, qerrors.Validationf("no such property %q", name)
	}
	v, set, err := q.Store.Get(name)
	if err != nil || !set {
		return "", set, err
	}
	s, err := d.Format(v)
	return s, true, err
}
