// Package bus provides topic-keyed publish/subscribe routing between the
// message log, the completion driver, and live connections. Delivery is
// best effort: only currently-subscribed listeners receive an event, and
// nothing is replayed or persisted.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
)

const (
	// ConversationNamespace prefixes conversation-scoped topics.
	ConversationNamespace = "conversation-events"

	// StreamNamespace prefixes stream-scoped topics.
	StreamNamespace = "stream-events"
)

// ConversationTopic returns the topic carrying message events for a conversation.
func ConversationTopic(conversationID string) string {
	return fmt.Sprintf("%s-%s", ConversationNamespace, conversationID)
}

// StreamTopic returns the topic carrying chunk events for a stream.
func StreamTopic(streamID string) string {
	return fmt.Sprintf("%s-%s", StreamNamespace, streamID)
}

// Subscription is a cancellable sequence of events for one topic. Events
// published before the subscription existed are never delivered.
type Subscription struct {
	topic  string
	events chan []byte
	cancel func()

	mu     sync.Mutex
	closed bool
}

// deliver enqueues data for the subscriber, dropping it if the buffer
// is full. The mutex pairs with shutdown so a publisher can never send
// on the events channel after it has been closed.
func (s *Subscription) deliver(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the events channel exactly once. Deliveries arriving
// afterwards are dropped instead of hitting the closed channel.
func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Events returns the delivery channel. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan []byte {
	return s.events
}

// Close cancels the subscription and releases topic bookkeeping once the
// topic has no subscribers left. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

// Bus routes published payloads to topic subscribers. Publish never
// blocks on a slow or absent consumer; a topic with zero subscribers
// silently drops the event.
type Bus interface {
	Subscribe(topic string) (*Subscription, error)
	Publish(topic string, payload any) error
	Close()
}

func marshalPayload(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}
