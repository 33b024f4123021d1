// Collection is C3's in-memory half: identity, lookup, id allocation, and
// the domain-add/domain-pre-delete/domain-delete event firing around
// add/del. XML load/save lives in package store, which operates on a
// Collection by construction.
package qube

import (
	"sort"
	"sync"

	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/qerrors"
)

// MaxQID is the configured ceiling referenced by spec §3 ("qid ... ≤ a
// configured max").
const MaxQID = 1 << 16

// DispIDBase is where disposable-qube ids start, kept disjoint from
// regular qids per spec §4.3 ("DispVM ids are drawn from a wider range").
const DispIDBase = 1 << 16

// Collection is the qid-keyed map of all qubes in one App, with secondary
// indexes by name.
type Collection struct {
	mu       sync.RWMutex
	byQID    map[int]*Qube
	byName   map[string]*Qube
	usedDisp map[int]bool
	bus      *events.Bus
}

// NewCollection constructs an empty collection.
func NewCollection(bus *events.Bus) *Collection {
	return &Collection{
		byQID:    make(map[int]*Qube),
		byName:   make(map[string]*Qube),
		usedDisp: make(map[int]bool),
		bus:      bus,
	}
}

// Add registers q, rejecting qid or name collisions, and fires
// domain-add. This does not persist; the caller (store.Save, or the
// mutating-call wrapper in mgmt) is responsible for that.
func (c *Collection) Add(q *Qube) error {
	c.mu.Lock()
	if _, exists := c.byQID[q.QID()]; exists {
		c.mu.Unlock()
		return qerrors.Validationf("qid %d already in use", q.QID())
	}
	if _, exists := c.byName[q.Name()]; exists {
		c.mu.Unlock()
		return qerrors.Validationf("name %q already in use", q.Name())
	}
	c.byQID[q.QID()] = q
	c.byName[q.Name()] = q
	q.setCollection(c)
	c.mu.Unlock()

	_, _ = c.bus.Fire(q, "domain-add", map[string]any{"qube": q.Name()})
	return nil
}

// Del removes q, firing the vetoable domain-pre-delete first (rejecting
// if dependents exist is the caller's job — lifecycle.Remove checks that
// before calling Del) and domain-delete after.
func (c *Collection) Del(q *Qube) error {
	if err := c.bus.FirePre(q, "domain-pre-delete", map[string]any{"qube": q.Name()}); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.byQID, q.QID())
	delete(c.byName, q.Name())
	c.mu.Unlock()

	_, _ = c.bus.Fire(q, "domain-delete", map[string]any{"qube": q.Name()})
	return nil
}

// renameIndex is called by Rename after the hypervisor/disk rename
// succeeds, to move the secondary index entry before the qube's own name
// field is updated.
func (c *Collection) renameIndex(q *Qube, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[newName]; exists {
		return qerrors.Validationf("name %q already in use", newName)
	}
	delete(c.byName, q.Name())
	q.setName(newName)
	c.byName[newName] = q
	return nil
}

// Rename is the exported entry point lifecycle.Rename uses once the
// hypervisor-side rename has already succeeded.
func (c *Collection) Rename(q *Qube, newName string) error {
	return c.renameIndex(q, newName)
}

func (c *Collection) ByQID(qid int) (*Qube, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.byQID[qid]
	return q, ok
}

func (c *Collection) ByName(name string) (*Qube, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.byName[name]
	return q, ok
}

// All returns every qube, sorted by name for deterministic listing.
func (c *Collection) All() []*Qube {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Qube, 0, len(c.byName))
	for _, q := range c.byName {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// NewUnusedQID scans used qids and returns the smallest free id in
// [1, MaxQID), per spec §4.3. qid 0 is reserved for dom0 and is never
// handed out here.
func (c *Collection) NewUnusedQID() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := 1; i < MaxQID; i++ {
		if _, used := c.byQID[i]; !used {
			return i, nil
		}
	}
	return 0, qerrors.Resourcef("no free qid available")
}

// NewUnusedDispID allocates from the wide disposable-id range; ids are
// never reused until garbage-collected (the caller is responsible for GC,
// since only it knows which disposables have actually been removed).
func (c *Collection) NewUnusedDispID() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := DispIDBase + 1; i < DispIDBase+(1<<20); i++ {
		if !c.usedDisp[i] {
			c.usedDisp[i] = true
			return i, nil
		}
	}
	return 0, qerrors.Resourcef("no free dispid available")
}

// ReleaseDispID returns a disposable id to the free pool once its qube has
// been garbage-collected.
func (c *Collection) ReleaseDispID(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.usedDisp, id)
}

// ConnectedVMs returns the qubes whose netvm is q, computed on demand by
// scanning the collection (spec §3 "Ownership": never cached).
func (c *Collection) ConnectedVMs(q *Qube) []*Qube {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Qube
	for _, other := range c.byName {
		v, set, err := other.Store.Get("netvm")
		if err != nil || !set {
			continue
		}
		if name, _ := v.(string); name == q.Name() {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// DispVMs returns the disposable qubes based on the given template.
func (c *Collection) DispVMs(template *Qube) []*Qube {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Qube
	for _, other := range c.byName {
		if other.Class() != ClassDisposable {
			continue
		}
		v, set, err := other.Store.Get("template")
		if err != nil || !set {
			continue
		}
		if name, _ := v.(string); name == template.Name() {
			out = append(out, other)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
