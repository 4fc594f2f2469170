package bus

import (
	"context"
	"sync"
)

// Compile-time interface satisfaction check.
var _ Bus = (*MemoryBus)(nil)

// MemoryBus delivers payloads to subscribers in the same process. It is the
// default for single-node deployments.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[int]Handler
	nextID int
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[int]Handler)}
}

// Publish calls every handler subscribed to topic.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

// Subscribe registers h for topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int]Handler)
		b.topics[topic] = subs
	}
	id := b.nextID
	b.nextID++
	subs[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(subs, id)
	}, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string]map[int]Handler)
	return nil
}
