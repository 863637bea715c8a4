// Package bus provides a simple in-process pub/sub message bus with topic
// prefix matching. It decouples the delegation correlator and the streaming
// broker from the HTTP surfaces that observe them.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Delegation event topics.
const (
	TopicDelegationRequested = "delegation.requested"
	TopicDelegationResolved  = "delegation.resolved"
	TopicDelegationTimeout   = "delegation.timeout"
)

// Query lifecycle topics published by the desk service.
const (
	TopicQueryCreated  = "query.created"
	TopicQueryAnswered = "query.answered"
)

// Stream event topics published by the orchestration loop.
const (
	TopicStreamToolCall = "stream.tool_call"
	TopicStreamDone     = "stream.done"
)

// DelegationEvent is published for delegation lifecycle changes.
type DelegationEvent struct {
	QueryID  string // Pending query ID
	Question string // Question text, empty on resolution events
}

// QueryEvent is published by the desk when a query is created or answered.
type QueryEvent struct {
	QueryID  string
	Question string
	Context  string
	Response string // set on answered events
}

// ToolCallEvent is published when the orchestration loop dispatches a tool.
type ToolCallEvent struct {
	RequestID string // Chat request ID
	ToolName  string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
