package notify

import (
	"context"
	"sync"
)

// Message is one delivery on a MemoryBus subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// MemoryBus delivers within the process. Slow subscribers lose messages
// rather than block the publisher.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan Message]struct{}
	buffer int
}

// NewMemoryBus returns a bus whose subscriptions buffer up to buffer messages.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 16
	}

	return &MemoryBus{subs: make(map[string]map[chan Message]struct{}), buffer: buffer}
}

// Subscribe registers for topic. Call cancel to unsubscribe; the channel is
// closed afterwards.
func (b *MemoryBus) Subscribe(topic string) (<-chan Message, func()) {
	ch := make(chan Message, b.buffer)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Message]struct{})
	}

	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], ch)

			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()

			close(ch)
		})
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
		}
	}

	return nil
}
