package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe bus with prefix-based filtering.
// Interested parties subscribe explicitly and must unsubscribe on teardown,
// so an observer never extends a publisher's lifetime. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather
// than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in all kinds starting with prefix. The empty
// prefix matches everything. The returned function removes the subscription;
// it is safe to call more than once.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
