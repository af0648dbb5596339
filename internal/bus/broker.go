// Package bus implements the topic broadcast transport: named topics,
// per-connection sessions, and best-effort fan-out to subscribers.
package bus

import (
	"sync"
)

// Event is one published payload on a topic.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Topic name helpers. Two families exist: agent-scoped raw position streams
// and order-scoped delivery progress streams.
func AgentTopic(agentID string) string { return "agent:" + agentID }
func OrderTopic(orderID string) string { return "order:" + orderID }

// Broker is the pub/sub transport. Publish delivers the event once to every
// channel currently subscribed, in unspecified order, best-effort: a slow
// subscriber's full buffer is skipped rather than blocking the publisher.
type Broker interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(topic string, evt Event)
}

// MemoryBroker is the single-process Broker. Horizontal scale-out across
// server processes requires the Redis variant.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // topic -> set of channels
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *MemoryBroker) Subscribe(topic string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	if m := b.subs[topic]; m != nil {
		if _, ok := m[ch]; ok {
			delete(m, ch)
			close(ch)
		}
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()
}

func (b *MemoryBroker) Publish(topic string, evt Event) {
	b.mu.Lock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
