// Package events is the in-process pub/sub fabric between the agent's
// subsystems. Each component publishes values from its own fixed event set;
// subscribers receive typed payloads over channels, never variadic listener
// calls.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope carried on the bus. Data holds the component's typed
// payload for the given Type.
type Event struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	Source string      `json:"source"`
	Time   time.Time   `json:"time"`
	Data   interface{} `json:"data"`
}

// New builds an event with a fresh id and the current time.
func New(eventType, source string, data interface{}) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		Source: source,
		Time:   time.Now().UTC(),
		Data:   data,
	}
}

const defaultBufferSize = 100

// Bus is an in-process pub/sub event bus. Delivery per subscriber preserves
// publish order from a single source; a full subscriber channel drops the
// event rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event // event type -> channels
	allSubs     []chan Event
	bufferSize  int
	dropped     atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no type is named. The caller must drain the channel and release
// it via Unsubscribe.
func (b *Bus) Subscribe(eventTypes ...string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes ch from all subscriptions and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = withoutChannel(subs, ch)
	}
	b.allSubs = withoutChannel(b.allSubs, ch)
	close(ch)
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, source string, data interface{}) {
	b.Publish(New(eventType, source, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// Dropped reports how many deliveries were skipped on full channels.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func withoutChannel(subs []chan Event, ch chan Event) []chan Event {
	filtered := subs[:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
