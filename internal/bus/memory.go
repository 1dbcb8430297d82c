package bus

import (
	"sync"

	"github.com/chatrelay/chatrelay/pkg/metrics"
)

// subscriberBuffer bounds each subscriber's in-flight queue. A consumer
// that falls further behind loses events, which the best-effort contract
// allows; cumulative stream chunks make the loss recoverable.
const subscriberBuffer = 64

// Memory is the in-process Bus engine. Topics are created lazily on
// first subscribe and garbage-collected when their last subscriber
// leaves.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe implements Bus.
func (b *Memory) Subscribe(topic string) (*Subscription, error) {
	sub := &Subscription{
		topic:  topic,
		events: make(chan []byte, subscriberBuffer),
	}

	sub.cancel = func() {
		b.remove(topic, sub)
		sub.shutdown()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.shutdown()
		sub.cancel = func() {}
		return sub, nil
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Publish implements Bus. The subscriber set is snapshotted under the
// read lock so a concurrent subscribe or disconnect cannot race the
// iteration; each subscriber gets its own copy of the payload.
func (b *Memory) Publish(topic string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	snapshot := make([]*Subscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if sub.deliver(data) {
			metrics.BusEventsDelivered.Inc()
		} else {
			metrics.BusEventsDropped.Inc()
		}
	}
	return nil
}

// Close implements Bus. All subscriptions are cancelled.
func (b *Memory) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, subs := range topics {
		for sub := range subs {
			sub.Close()
		}
	}
}

func (b *Memory) remove(topic string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}
