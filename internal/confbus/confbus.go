// Package confbus implements the external configuration-bus adapter of
// spec §6: the per-qube key/value store a running guest reads its
// qube-level configuration from and can watch for changes (network
// settings, clipboard policy, the "qubes-mgmt" RPC results page).
// There is no in-pack third-party client that fits this shape — it is
// an ephemeral, per-VM, non-durable store rather than a clustered KV
// service, so this is one of the few components built directly on the
// standard library rather than an imported client (see the project's
// design notes for the full justification).
package confbus

import (
	"context"
	"strings"
	"sync"
)

// Bus is the external configuration-bus adapter of spec §6, scoped to
// one qube.
type Bus interface {
	Read(ctx context.Context, key string) (string, bool, error)
	Write(ctx context.Context, key, value string) error
	Rm(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string]string, error)

	// Watch streams every Write/Rm touching a key under prefix until ctx
	// is cancelled, mirroring the hypervisor adapter's lifecycle-callback
	// shape rather than a pull-based poll loop.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
}

// EventKind distinguishes a write from a delete on the watched channel.
type EventKind string

const (
	EventWrite EventKind = "write"
	EventRm    EventKind = "rm"
)

type Event struct {
	Kind  EventKind
	Key   string
	Value string
}

// MemBus is an in-process Bus: one per running qube, discarded with
// the qube's domain (spec's "not persisted across restarts" scope for
// this store, unlike the property store which is the persisted half).
type MemBus struct {
	mu   sync.RWMutex
	data map[string]string

	watchMu  sync.Mutex
	watchers []*watcher
}

type watcher struct {
	prefix string
	ch     chan Event
}

func NewMemBus() *MemBus {
	return &MemBus{data: make(map[string]string)}
}

func (b *MemBus) Read(ctx context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *MemBus) Write(ctx context.Context, key, value string) error {
	b.mu.Lock()
	b.data[key] = value
	b.mu.Unlock()
	b.notify(Event{Kind: EventWrite, Key: key, Value: value})
	return nil
}

func (b *MemBus) Rm(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.data, key)
	b.mu.Unlock()
	b.notify(Event{Kind: EventRm, Key: key})
	return nil
}

func (b *MemBus) List(ctx context.Context, prefix string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range b.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (b *MemBus) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	w := &watcher{prefix: prefix, ch: make(chan Event, 16)}

	b.watchMu.Lock()
	b.watchers = append(b.watchers, w)
	b.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		b.watchMu.Lock()
		for i, o := range b.watchers {
			if o == w {
				b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
				break
			}
		}
		b.watchMu.Unlock()
		close(w.ch)
	}()

	return w.ch, nil
}

func (b *MemBus) notify(ev Event) {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for _, w := range b.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			select {
			case w.ch <- ev:
			default: // slow watcher: drop rather than block the writer
			}
		}
	}
}
