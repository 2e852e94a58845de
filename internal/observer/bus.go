package observer

import (
	"sync"
	"sync/atomic"
)

// SubscriberStats tracks per-subscriber delivery metrics, the same
// shape as framebus's SubscriberStats.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch    chan Event
	stats SubscriberStats
}

// Bus fans Events out to subscribers without ever blocking Publish: a
// subscriber whose channel is full simply misses that event and its
// Dropped counter increments (spec.md §6, "never block the emitter").
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	published   uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers id with a buffered channel of the given capacity
// and returns a receive-only view of it. Re-subscribing under the same
// id replaces the previous subscription.
func (b *Bus) Subscribe(id string, buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buffer <= 0 {
		buffer = 32
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subscribers[id] = sub
	return sub.ch
}

// Unsubscribe removes id. Idempotent.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish fans ev out to every subscriber, dropping it for any
// subscriber whose buffer is full. Never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	atomic.AddUint64(&b.published, 1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Stats returns a snapshot for subscriber id, or ok=false if unknown.
func (b *Bus) Stats(id string) (SubscriberStats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return SubscriberStats{}, false
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, true
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
