// C8: device / feature / tag maps. Features and tags fire
// domain-<kind>-pre-set:<key> (vetoable), domain-<kind>-set:<key> and
// domain-<kind>-delete:<key>; devices fire domain-device-pre-attach:<class>
// (vetoable), domain-device-attach:<class> and
// domain-device-detach:<class> (spec §4.8).
package qube

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/qerrors"
)

// FeatureMap is a string->string map where the empty string is the false
// witness: features.Get(k) returns ("", false) when unset, ("", true)
// when explicitly set false, and (v, true) otherwise.
type FeatureMap struct {
	mu   sync.RWMutex
	data map[string]string
	bus  *events.Bus
	q    emitterRef
}

func newFeatureMap(bus *events.Bus, q emitterRef) *FeatureMap {
	return &FeatureMap{data: make(map[string]string), bus: bus, q: q}
}

// CoerceFeatureValue implements the None/bool coercion of §4.8: nil and
// false become "", true becomes "1". Anything else passes through.
func CoerceFeatureValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "1"
		}
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Get returns the stored value and whether the key is set at all.
func (f *FeatureMap) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

// Bool reports features.get(key, False) truthiness: true iff set to a
// non-empty string.
func (f *FeatureMap) Bool(key string) bool {
	v, ok := f.Get(key)
	return ok && v != ""
}

// Set assigns key=value (value coerced here via CoerceFeatureValue),
// firing the pre/post pair.
func (f *FeatureMap) Set(key string, value any) error {
	v := CoerceFeatureValue(value)

	f.mu.RLock()
	old, existed := f.data[key]
	f.mu.RUnlock()

	if err := f.bus.FirePre(f.q, "domain-feature-pre-set:"+key, map[string]any{"key": key, "value": v}); err != nil {
		return err
	}

	f.mu.Lock()
	f.data[key] = v
	f.mu.Unlock()

	var kwargs map[string]any
	if existed {
		kwargs = map[string]any{"key": key, "value": v, "oldvalue": old}
	} else {
		kwargs = map[string]any{"key": key, "value": v}
	}
	_, _ = f.bus.Fire(f.q, "domain-feature-set:"+key, kwargs)
	return nil
}

// Delete removes key, firing domain-feature-delete.
func (f *FeatureMap) Delete(key string) error {
	f.mu.Lock()
	_, ok := f.data[key]
	delete(f.data, key)
	f.mu.Unlock()

	if !ok {
		return qerrors.Validationf("feature %q not set", key)
	}

	_, _ = f.bus.Fire(f.q, "domain-feature-delete:"+key, map[string]any{"key": key})
	return nil
}

// Keys returns the set feature names, sorted.
func (f *FeatureMap) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TagSet is the set of ascii tag names on a qube. Names matching
// "created-by-*" are not user-mutable (enforced by the admin-permission
// extension in mgmt, not here — this type just stores the set).
type TagSet struct {
	mu   sync.RWMutex
	data map[string]struct{}
	bus  *events.Bus
	q    emitterRef
}

func newTagSet(bus *events.Bus, q emitterRef) *TagSet {
	return &TagSet{data: make(map[string]struct{}), bus: bus, q: q}
}

// IsReservedPrefix reports whether name falls under a reserved namespace
// such as "created-by-<name>".
func IsReservedPrefix(name string) bool {
	return strings.HasPrefix(name, "created-by-")
}

func (t *TagSet) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.data[name]
	return ok
}

func (t *TagSet) Add(name string) error {
	if t.Has(name) {
		return nil // idempotent: re-adding a present tag fires no events
	}

	if err := t.bus.FirePre(t.q, "domain-tag-pre-set:"+name, map[string]any{"tag": name}); err != nil {
		return err
	}

	t.mu.Lock()
	t.data[name] = struct{}{}
	t.mu.Unlock()

	_, _ = t.bus.Fire(t.q, "domain-tag-set:"+name, map[string]any{"tag": name})
	return nil
}

func (t *TagSet) Remove(name string) error {
	if !t.Has(name) {
		return qerrors.Validationf("tag %q not set", name)
	}

	t.mu.Lock()
	delete(t.data, name)
	t.mu.Unlock()

	_, _ = t.bus.Fire(t.q, "domain-tag-delete:"+name, map[string]any{"tag": name})
	return nil
}

func (t *TagSet) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.data))
	for k := range t.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DeviceAssignment is one assignment of a backend qube's device to this
// qube, within a device class (spec §3).
type DeviceAssignment struct {
	BackendQube string
	Ident       string
	Options     map[string]string
	Persistent  bool
}

func (a DeviceAssignment) key() string { return a.BackendQube + "\x00" + a.Ident }

// DeviceMap holds, per device class, the set of assignments keyed by
// (backend_qube, ident).
type DeviceMap struct {
	mu   sync.RWMutex
	data map[string]map[string]DeviceAssignment // class -> key -> assignment
	bus  *events.Bus
	q    emitterRef
}

func newDeviceMap(bus *events.Bus, q emitterRef) *DeviceMap {
	return &DeviceMap{data: make(map[string]map[string]DeviceAssignment), bus: bus, q: q}
}

// Attach assigns a device, rejecting a re-attach with different options
// per spec §4.8.
func (d *DeviceMap) Attach(class string, a DeviceAssignment) error {
	d.mu.Lock()
	classMap := d.data[class]
	if classMap == nil {
		classMap = make(map[string]DeviceAssignment)
		d.data[class] = classMap
	}
	existing, exists := classMap[a.key()]
	d.mu.Unlock()

	if exists && !sameOptions(existing.Options, a.Options) {
		return qerrors.Validationf("device %s:%s already attached with different options", a.BackendQube, a.Ident)
	}

	kwargs := map[string]any{"class": class, "backend": a.BackendQube, "ident": a.Ident}
	if err := d.bus.FirePre(d.q, "domain-device-pre-attach:"+class, kwargs); err != nil {
		return err
	}

	d.mu.Lock()
	d.data[class][a.key()] = a
	d.mu.Unlock()

	_, _ = d.bus.Fire(d.q, "domain-device-attach:"+class, kwargs)
	return nil
}

// Detach removes a device assignment.
func (d *DeviceMap) Detach(class, backendQube, ident string) error {
	key := backendQube + "\x00" + ident

	d.mu.Lock()
	classMap := d.data[class]
	_, ok := classMap[key]
	if ok {
		delete(classMap, key)
	}
	d.mu.Unlock()

	if !ok {
		return qerrors.Validationf("device %s:%s not attached in class %s", backendQube, ident, class)
	}

	_, _ = d.bus.Fire(d.q, "domain-device-detach:"+class, map[string]any{"class": class, "backend": backendQube, "ident": ident})
	return nil
}

// List returns all assignments in a device class.
func (d *DeviceMap) List(class string) []DeviceAssignment {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DeviceAssignment, 0, len(d.data[class]))
	for _, a := range d.data[class] {
		out = append(out, a)
	}
	return out
}

func sameOptions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// emitterRef is the minimal events.Emitter view maps.go needs; Qube and
// App both satisfy it.
type emitterRef = events.Emitter
