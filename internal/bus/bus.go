// Package bus implements the multicast event buses that aggregate
// per-connection lifecycle events pool-wide.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/derivkit/derivws/core/events"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus fans events out to any number of subscribers. Subscribers must not
// block: deliveries that would block are dropped once the subscriber's
// buffer is full, so a stalled consumer cannot stall the pool.
type Bus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]chan events.Event
	buffer int
	closed bool
}

// New creates a bus whose subscriber channels hold up to buffer events.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[SubscriptionID]chan events.Event),
		buffer: buffer,
	}
}

// Publish delivers the event to all current subscribers.
func (b *Bus) Publish(evt events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a consumer and returns its event channel together
// with a cancel function. The channel closes on cancel or bus close.
func (b *Bus) Subscribe() (SubscriptionID, <-chan events.Event, func()) {
	id := SubscriptionID(uuid.NewString())
	ch := make(chan events.Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return id, ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
			b.mu.Unlock()
		})
	}
	return id, ch, cancel
}

// Close terminates the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
