// Package events is an in-process pub/sub for cycle lifecycle notifications.
package events

import "sync"

// Topics published by the service.
const (
	// TopicCycleCreated carries the new *domain.UpdateCycle.
	TopicCycleCreated = "cycle:created"
	// TopicCycleCompleted carries the completed *domain.UpdateCycle.
	TopicCycleCompleted = "cycle:completed"
	// TopicRunFinished carries the domain.RunResult.
	TopicRunFinished = "run:finished"
)

// Event represents a message passed through the broker.
type Event struct {
	Topic string
	Data  any
}

// Broker implements a simple in-memory pub/sub system.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	closed      bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving the events of topic. buffer is the
// channel capacity; values below 1 are raised to 1.
func (b *Broker) Subscribe(topic string, buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, max(buffer, 1))
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

// Publish sends an event to all subscribers of a topic.
func (b *Broker) Publish(topic string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{Topic: topic, Data: data}
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
}
