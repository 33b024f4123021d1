// Package events implements the hierarchical, pre/post event bus described
// in spec §4.1: bound (class-registered) handlers dispatch base-to-derived
// on fire_event and derived-to-base on fire_event_pre, followed by
// extension (runtime-registered) handlers. Delivery is synchronous on the
// calling goroutine — there is no queue here, only the ordering contract.
//
// This mirrors the shape the reference daemon exposes as *events.Server in
// daemon.go (one Server per process, handed out as a Daemon field rather
// than a package global, and forwarded into the streaming management
// method), adapted from HTTP/websocket fan-out to the in-process bus the
// object model needs to enforce its own invariants.
package events

import (
	"fmt"
	"sync"
)

// BoundHandler is a handler statically registered for a given emitter
// class + event name, analogous to a decorated method in the source
// implementation. It may return a non-nil value (collected by Fire) and,
// when invoked from FirePre, may return an error to veto the action.
type BoundHandler func(kwargs map[string]any) (any, error)

// ExtHandler is a handler registered at runtime against one emitter
// instance (by ID) rather than a whole class.
type ExtHandler func(emitterID, name string, kwargs map[string]any) (any, error)

// Subscription is returned by Subscribe; call Cancel to unregister.
type Subscription struct {
	bus       *Bus
	emitterID string
	name      string
	handle    int
}

// Cancel removes the subscription.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s.emitterID, s.name, s.handle)
}

type extEntry struct {
	handle  int
	handler ExtHandler
}

// Bus is one event dispatcher. The App owns one; every Qube fires through
// the same Bus, identified by its own emitter ID and class chain.
type Bus struct {
	mu sync.Mutex

	// class -> event name -> ordered bound handlers (base class entries
	// are registered first by RegisterClass, which is how base-to-derived
	// order in Fire is achieved).
	classHandlers map[string]map[string][]BoundHandler

	// emitterID -> event name (or "*") -> extension handlers.
	ext map[string]map[string][]extEntry

	nextHandle int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{
		classHandlers: make(map[string]map[string][]BoundHandler),
		ext:           make(map[string]map[string][]extEntry),
	}
}

// RegisterClass statically registers a bound handler for every instance of
// the named class. Call order across a fixed set of classes for the same
// event name determines Fire/FirePre ordering, so register base classes
// before derived ones during package init — mirroring the base-to-derived
// MRO walk of the source implementation.
func (b *Bus) RegisterClass(class, name string, h BoundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.classHandlers[class] == nil {
		b.classHandlers[class] = make(map[string][]BoundHandler)
	}
	b.classHandlers[class][name] = append(b.classHandlers[class][name], h)
}

// Subscribe registers a runtime handler against one emitter instance. name
// may be "*" to receive every event fired on that emitter (used by the
// admin.Events streaming method).
func (b *Bus) Subscribe(emitterID, name string, h ExtHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextHandle++
	handle := b.nextHandle

	if b.ext[emitterID] == nil {
		b.ext[emitterID] = make(map[string][]extEntry)
	}
	b.ext[emitterID][name] = append(b.ext[emitterID][name], extEntry{handle: handle, handler: h})

	return &Subscription{bus: b, emitterID: emitterID, name: name, handle: handle}
}

func (b *Bus) unsubscribe(emitterID, name string, handle int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.ext[emitterID][name]
	for i, e := range entries {
		if e.handle == handle {
			b.ext[emitterID][name] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Emitter is anything events fire on. ClassChain returns the emitter's
// class chain in base-to-derived order, e.g. ["Qube", "AppVM"]; FirePre
// walks it reversed.
type Emitter interface {
	EmitterID() string
	EventsEnabled() bool
	ClassChain() []string
}

// Fire delivers a post-event: bound handlers base-to-derived (bound before
// extension at each step is not meaningful across classes, so all bound
// handlers run class-chain order, then all extension handlers), collecting
// every non-nil return value. If events are disabled on the emitter this
// is a no-op, matching the bulk-load fast path in spec §4.1.
func (b *Bus) Fire(e Emitter, name string, kwargs map[string]any) ([]any, error) {
	if !e.EventsEnabled() {
		return nil, nil
	}

	var results []any

	b.mu.Lock()
	chain := append([]string(nil), e.ClassChain()...)
	var bound []BoundHandler
	for _, class := range chain {
		bound = append(bound, b.classHandlers[class][name]...)
	}
	ext := b.extHandlersLocked(e.EmitterID(), name)
	b.mu.Unlock()

	for _, h := range bound {
		v, err := h(kwargs)
		if err != nil {
			return results, fmt.Errorf("event %q handler error: %w", name, err)
		}
		if v != nil {
			results = append(results, v)
		}
	}

	for _, h := range ext {
		v, err := h(e.EmitterID(), name, kwargs)
		if err != nil {
			return results, fmt.Errorf("event %q handler error: %w", name, err)
		}
		if v != nil {
			results = append(results, v)
		}
	}

	return results, nil
}

// FirePre delivers a pre-event: same handler set as Fire but walked
// derived-to-base, and any handler returning an error vetoes the action —
// the caller must abort whatever it was about to do.
func (b *Bus) FirePre(e Emitter, name string, kwargs map[string]any) error {
	_, err := b.FirePreCollect(e, name, kwargs)
	return err
}

// FirePreCollect is FirePre for pre-events whose handlers answer with a
// value as well as a veto: the same derived-to-base walk, but every
// non-nil return value is collected and handed back to the firer. The
// management runtime's mgmt-permission handlers use this to return
// filter closures; an error still vetoes and aborts delivery.
func (b *Bus) FirePreCollect(e Emitter, name string, kwargs map[string]any) ([]any, error) {
	if !e.EventsEnabled() {
		return nil, nil
	}

	b.mu.Lock()
	chain := e.ClassChain()
	var bound []BoundHandler
	for i := len(chain) - 1; i >= 0; i-- {
		bound = append(bound, b.classHandlers[chain[i]][name]...)
	}
	ext := b.extHandlersLocked(e.EmitterID(), name)
	b.mu.Unlock()

	var results []any

	for _, h := range bound {
		v, err := h(kwargs)
		if err != nil {
			return results, fmt.Errorf("event %q vetoed: %w", name, err)
		}
		if v != nil {
			results = append(results, v)
		}
	}

	for _, h := range ext {
		v, err := h(e.EmitterID(), name, kwargs)
		if err != nil {
			return results, fmt.Errorf("event %q vetoed: %w", name, err)
		}
		if v != nil {
			results = append(results, v)
		}
	}

	return results, nil
}

// extHandlersLocked returns the extension handlers that should fire for
// (emitterID, name): exact-name subscribers followed by wildcard
// subscribers. Caller must hold b.mu.
func (b *Bus) extHandlersLocked(emitterID, name string) []ExtHandler {
	var out []ExtHandler
	for _, e := range b.ext[emitterID][name] {
		out = append(out, e.handler)
	}
	if name != "*" {
		for _, e := range b.ext[emitterID]["*"] {
			out = append(out, e.handler)
		}
	}
	return out
}
