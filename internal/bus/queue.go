package bus

import (
	"context"
	"log"
	"sync"
)

// Bus fans session events out to per-session subscribers.
type Bus struct {
	Events chan Event

	mu          sync.RWMutex
	nextID      int
	subscribers map[string]map[int]func(Event)
}

// New creates a bus with a buffered event channel.
func New() *Bus {
	return &Bus{
		Events:      make(chan Event, 256),
		subscribers: make(map[string]map[int]func(Event)),
	}
}

// Publish enqueues an event for dispatch. Blocks if the buffer is full.
func (b *Bus) Publish(ev Event) {
	b.Events <- ev
}

// Subscribe registers a callback for one session key. The returned func
// removes the subscription.
func (b *Bus) Subscribe(sessionKey string, cb func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subscribers[sessionKey] == nil {
		b.subscribers[sessionKey] = make(map[int]func(Event))
	}
	b.subscribers[sessionKey][id] = cb
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[sessionKey], id)
		if len(b.subscribers[sessionKey]) == 0 {
			delete(b.subscribers, sessionKey)
		}
	}
}

// Dispatch delivers queued events until ctx is cancelled.
func (b *Bus) Dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.Events:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subscribers[ev.SessionKey]))
	for _, cb := range b.subscribers[ev.SessionKey] {
		subs = append(subs, cb)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		log.Printf("[Bus] no subscriber for %s (%s)", ev.SessionKey, ev.Kind)
		return
	}
	for _, cb := range subs {
		cb(ev)
	}
}
