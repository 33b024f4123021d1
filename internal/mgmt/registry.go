package mgmt

import (
	"context"
	"sync"

	"github.com/openqube/qubesd/internal/events"
	"github.com/openqube/qubesd/internal/qerrors"
)

// PermissionFilter is what a mgmt-permission handler may return instead
// of (or besides) vetoing: a predicate over qube names. A call is only
// allowed when every collected filter accepts its dest, and list-style
// methods compose the filters over their candidate iterable.
type PermissionFilter func(vmName string) bool

// CallContext carries everything a Handler needs about the call it is
// servicing: who asked (SourceQube), what it's about (Dest/Arg), a
// Context that the server cancels when the call ends or, for a streaming
// call, when writing a frame to the client fails, and the
// permission filters collected while gating the call.
type CallContext struct {
	context.Context

	Method     string
	Arg        string
	Dest       string
	SourceQube string // "dom0" for a local qubesctl caller
	Payload    []byte

	Filters []PermissionFilter
}

// Permitted reports whether every permission filter collected for this
// call accepts name. A call with no filters permits everything.
func (cc *CallContext) Permitted(name string) bool {
	for _, f := range cc.Filters {
		if !f(name) {
			return false
		}
	}
	return true
}

// Handler services one method call and returns the untrusted response
// payload, or an error. Handlers run as a goroutine the server can
// cancel by cancelling CallContext.Context (spec §4.6's "cancellable
// coroutine-style handler execution").
type Handler func(cc *CallContext) ([]byte, error)

// StreamHandler services a long-lived call (admin.Events is the only
// one spec §4.6 names) by repeatedly invoking emit with payload frames
// until it returns or cc.Context is cancelled.
type StreamHandler func(cc *CallContext, emit func([]byte) error) error

// Registry is the static method table, analogous to the reference
// implementation's method-name-to-function decorator table.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	streams   map[string]StreamHandler
	noPayload map[string]bool
	bus       *events.Bus
}

// NewRegistry constructs an empty registry backed by bus for permission
// gating (every call fires "mgmt-permission:<method>" before dispatch).
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		streams:   make(map[string]StreamHandler),
		noPayload: make(map[string]bool),
		bus:       bus,
	}
}

// Register adds a method. Re-registering the same name overwrites the
// previous handler, which is only ever done at daemon startup.
func (r *Registry) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// RegisterNoPayload adds a method that accepts no payload: a request
// carrying payload bytes for it is rejected before the handler runs.
func (r *Registry) RegisterNoPayload(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
	r.noPayload[method] = true
}

// RegisterStream adds a streaming method (admin.Events).
func (r *Registry) RegisterStream(method string, h StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[method] = h
}

// StreamHandlerFor returns the stream handler for method, if registered.
// It does no permission check; the server runs CheckPermission first.
func (r *Registry) StreamHandlerFor(method string) (StreamHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.streams[method]
	return h, ok
}

// CheckPermission runs method's permission gate without invoking a
// handler; used by the server before entering a streaming call's loop.
// The filters handlers returned land on cc for the stream handler to
// compose over its candidates.
func (r *Registry) CheckPermission(cc *CallContext) error {
	return r.firePermission(cc)
}

// firePermission fires mgmt-permission:<method> on the per-method
// emitter, collecting the returned filter closures onto cc. An error
// from any handler, or a filter rejecting the call's dest, denies the
// call outright; list-style handlers apply the surviving filters to
// their own candidate iterable via cc.Permitted.
func (r *Registry) firePermission(cc *CallContext) error {
	results, err := r.bus.FirePreCollect(permissionEmitter{method: cc.Method}, "mgmt-permission:"+cc.Method, map[string]any{
		"source": cc.SourceQube,
		"dest":   cc.Dest,
		"arg":    cc.Arg,
	})
	if err != nil {
		return qerrors.PermissionDeniedf("method %q denied for %q", cc.Method, cc.SourceQube)
	}

	for _, v := range results {
		switch f := v.(type) {
		case PermissionFilter:
			cc.Filters = append(cc.Filters, f)
		case func(string) bool:
			cc.Filters = append(cc.Filters, f)
		}
	}

	if cc.Dest != "" && !cc.Permitted(cc.Dest) {
		return qerrors.PermissionDeniedf("method %q denied for %q", cc.Method, cc.SourceQube)
	}
	return nil
}

type permissionEmitter struct{ method string }

func (p permissionEmitter) EmitterID() string    { return p.method }
func (p permissionEmitter) EventsEnabled() bool  { return true }
func (p permissionEmitter) ClassChain() []string { return []string{"Method"} }

// Dispatch looks up cc.Method, fires its permission-gating pre-event,
// and — if nothing vetoes it — runs the handler. PermissionDenied is
// returned verbatim if either the lookup fails or the gate vetoes;
// qerrors.KindOf distinguishes the two only by inspecting the error,
// since both render the same to a client (spec §4.6: "no method
// enumeration oracle for an unauthorized caller").
func (r *Registry) Dispatch(cc *CallContext) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[cc.Method]
	noPayload := r.noPayload[cc.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, qerrors.PermissionDeniedf("no such method %q", cc.Method)
	}
	if noPayload && len(cc.Payload) > 0 {
		return nil, qerrors.Protocolf("method %q accepts no payload", cc.Method)
	}

	if err := r.firePermission(cc); err != nil {
		return nil, err
	}

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := h(cc)
		done <- result{payload, err}
	}()

	select {
	case res := <-done:
		return res.payload, res.err
	case <-cc.Context.Done():
		return nil, qerrors.Protocolf("call to %q cancelled: %v", cc.Method, cc.Context.Err())
	}
}
