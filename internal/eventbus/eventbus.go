// Package eventbus is the process-wide change bus: every successful
// mutation publishes one Event per affected entity, in priority order to
// in-process handlers (Register/Unregister/Dispatch) and fanned out to
// any number of buffered subscriber channels.
package eventbus

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/simonwjackson/proseql/internal/pschema"
)

// Kind tags what happened to an entity.
type Kind string

const (
	Create Kind = "create"
	Update Kind = "update"
	Delete Kind = "delete"
)

// Event is published once per affected entity after a successful mutation.
type Event struct {
	Collection string
	Kind       Kind
	ID         string
	Before     pschema.Entity // nil for create
	After      pschema.Entity // nil for delete
}

// Handler receives events synchronously, in priority order. Handle errors
// are logged and otherwise swallowed — a misbehaving handler never fails
// the mutation that triggered it.
type Handler interface {
	ID() string
	Priority() int
	Handle(ctx context.Context, event Event) error
}

// Bus dispatches events to registered handlers and fans them out to
// subscriber channels.
type Bus struct {
	mu            sync.RWMutex
	handlers      []Handler
	subscribers   []*subscriber
	nextSubID     uint64
	droppedEvents atomic.Int64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a handler. Handlers are re-sorted by priority (lowest
// first) on every Dispatch, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a handler by id, returning true if one was found.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch runs every registered handler in priority order, then fans the
// event out to subscriber channels.
func (b *Bus) Dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].Priority() < handlers[j].Priority() })

	for _, h := range handlers {
		if ctx.Err() != nil {
			break
		}
		if err := h.Handle(ctx, event); err != nil {
			log.Printf("eventbus: handler %q error for %s.%s: %v", h.ID(), event.Collection, event.Kind, err)
		}
	}

	for _, sub := range subs {
		b.send(sub, event)
	}
}

// send pushes event onto sub's channel, dropping the oldest queued event
// (rather than the new one) when the buffer is full, so a burst of
// mutations never starves a slow watcher of the latest state.
func (b *Bus) send(sub *subscriber, event Event) {
	for {
		select {
		case sub.ch <- event:
			return
		default:
		}
		select {
		case <-sub.ch:
			b.droppedEvents.Add(1)
		default:
			return
		}
	}
}

type subscriber struct {
	id     uint64
	ch     chan Event
	filter func(Event) bool
}

// Subscribe registers a new subscriber with a bounded channel of the given
// capacity, optionally restricted by filter (nil means accept everything).
// The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(capacity int, filter func(Event) bool) (<-chan Event, func()) {
	if capacity <= 0 {
		capacity = 64
	}
	sub := &subscriber{ch: make(chan Event, capacity), filter: filter}

	b.mu.Lock()
	b.nextSubID++
	sub.id = b.nextSubID
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.subscribers {
			if existing.id == sub.id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return filteredChan(sub), unsubscribe
}

// filteredChan wraps a subscriber so its declared filter is applied
// without the Bus needing to special-case unfiltered subscribers in send.
func filteredChan(sub *subscriber) <-chan Event {
	if sub.filter == nil {
		return sub.ch
	}
	out := make(chan Event, cap(sub.ch))
	go func() {
		for ev := range sub.ch {
			if sub.filter(ev) {
				out <- ev
			}
		}
		close(out)
	}()
	return out
}

// DroppedEvents reports how many buffered events have been dropped across
// all subscribers since the bus was created (or last reset).
func (b *Bus) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}

// ResetDroppedEvents zeroes the dropped-event counter and returns its
// prior value.
func (b *Bus) ResetDroppedEvents() int64 {
	return b.droppedEvents.Swap(0)
}
