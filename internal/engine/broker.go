package engine

import (
	"sync"

	"github.com/seantiz/stagehand/internal/lifecycle"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StatusBroker fans status events out to subscribers by topic. Topics are
// task ids and bundle ids. It is safe for concurrent use.
//
// A topic exists from Open until Close. Subscribing to a topic that is not
// open, because its run finished or was never started here, yields a closed
// channel.
type StatusBroker struct {
	mu     sync.Mutex
	topics map[string]*statusTopic
}

type statusTopic struct {
	subs   map[int]chan lifecycle.StatusEvent
	nextID int
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics: make(map[string]*statusTopic),
	}
}

// Open starts accepting subscribers and events for topic. Opening an open
// topic is a no-op.
func (b *StatusBroker) Open(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = &statusTopic{subs: make(map[int]chan lifecycle.StatusEvent)}
	}
}

// Active reports whether topic is open.
func (b *StatusBroker) Active(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[topic]
	return ok
}

// Len returns the number of open topics.
func (b *StatusBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribe returns a channel that receives status events for the given topic
// and an unsubscribe function. If the topic is not open, the returned channel
// is closed.
func (b *StatusBroker) Subscribe(topic string) (<-chan lifecycle.StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan lifecycle.StatusEvent, subscriberBufferSize)
	t, ok := b.topics[topic]
	if !ok {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends ev to all subscribers of the given topic.
// Events are dropped for subscribers whose buffers are full.
func (b *StatusBroker) Publish(topic string, ev lifecycle.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking the lifecycle.
		}
	}
}

// PublishEvent publishes ev to its bundle topic and to every task topic it
// names.
func (b *StatusBroker) PublishEvent(ev lifecycle.StatusEvent) {
	if ev.BundleID != "" {
		b.Publish(ev.BundleID, ev)
	}
	for _, id := range ev.TaskIDs {
		b.Publish(id, ev)
	}
}

// Close signals that no more events will be published for the given topic.
// All subscriber channels are closed and the topic is forgotten.
func (b *StatusBroker) Close(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, topic)
}
