package client

import (
	"encoding/json"
	"sync"
)

// eventBus fans push events out to subscribers by event name. Unsubscribe is
// keyed so controllers can detach deterministically on teardown.
type eventBus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(json.RawMessage)
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[string]map[int]func(json.RawMessage))}
}

func (b *eventBus) on(event string, fn func(json.RawMessage)) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.subs[event] == nil {
		b.subs[event] = make(map[int]func(json.RawMessage))
	}
	b.subs[event][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[event], id)
	}
}

func (b *eventBus) publish(event string, payload json.RawMessage) {
	b.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(b.subs[event]))
	for _, fn := range b.subs[event] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	// Handlers run outside the lock so they may (un)subscribe freely.
	for _, fn := range fns {
		fn(payload)
	}
}
