package mgmt

import (
	"fmt"
	"sort"
	"strings"
)

// RegisterEvents adds the admin.Events streaming method (spec §4.6's one
// cancellable call). Each event frame follows the wire shape of §4.6:
// "<subject>\0<event>\0(<key>\0<value>\0)*\0".
func (a *AdminHandlers) RegisterEvents(reg *Registry) {
	reg.RegisterStream("admin.Events", a.streamEvents)
}

// streamEvents subscribes to the App (emitter "") and to every qube that
// exists when the call starts, and forwards every event fired on them
// until the call's context is cancelled. Subscribe is keyed per emitter
// id and the subscriptions are made once, so events of a qube created
// after this call begins are not streamed by it. Events are not filtered
// per subject.
func (a *AdminHandlers) streamEvents(cc *CallContext, emit func([]byte) error) error {
	bus := a.App.Bus()

	var subs []*subscription
	defer func() {
		for _, s := range subs {
			s.cancel()
		}
	}()

	forward := func(emitterID, name string, kwargs map[string]any) (any, error) {
		frame := renderEventFrame(emitterID, name, kwargs)
		if err := emit(frame); err != nil {
			return nil, err
		}
		return nil, nil
	}

	sub := bus.Subscribe("", "*", forward)
	subs = append(subs, &subscription{cancel: sub.Cancel})

	for _, q := range a.App.Collection.All() {
		s := bus.Subscribe(q.Name(), "*", forward)
		subs = append(subs, &subscription{cancel: s.Cancel})
	}

	<-cc.Context.Done()
	return cc.Context.Err()
}

type subscription struct {
	cancel func()
}

// renderEventFrame encodes one event as "<subject>\0<event>\0(<key>\0<value>\0)*\0".
func renderEventFrame(subject, name string, kwargs map[string]any) []byte {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteByte(0)
	b.WriteString(name)
	b.WriteByte(0)

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		fmt.Fprintf(&b, "%v", kwargs[k])
		b.WriteByte(0)
	}
	b.WriteByte(0)
	return []byte(b.String())
}
