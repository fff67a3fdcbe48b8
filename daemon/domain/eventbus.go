package domain

import "github.com/cskr/pubsub"

// EventBus is a type-safe publish/subscribe event bus built on top of
// cskr/pubsub. The untyped API (Sub/Pub/Unsub) is the library's own
// surface, passed straight through; the generic API (Publish[T]/Topic[T])
// layers compile-time type checking on top of it for call sites that
// agree on a single topic's payload type, so a publisher can't
// accidentally put the wrong shape of value on a topic its subscribers
// expect to type-assert.
type EventBus struct {
	ps *pubsub.PubSub
}

// NewEventBus creates a new EventBus with the given per-subscriber buffer
// size. If bufferSize is less than 1, it defaults to 1.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &EventBus{ps: pubsub.New(bufferSize)}
}

// Sub subscribes to one or more topics and returns a channel that receives
// messages published to any of those topics. The channel is shared across
// all requested topics, so a type switch is required when reading.
func (bus *EventBus) Sub(topics ...string) chan any {
	return bus.ps.Sub(topics...)
}

// Pub publishes msg to all subscribers of the given topics without
// blocking: a subscriber whose channel buffer is full does not receive
// msg (it is dropped for that subscriber).
func (bus *EventBus) Pub(msg any, topics ...string) {
	bus.ps.TryPub(msg, topics...)
}

// Unsub removes ch from the given topics. If no topics are specified, ch
// is removed from all topics and closed.
func (bus *EventBus) Unsub(ch chan any, topics ...string) {
	bus.ps.Unsub(ch, topics...)
}

// Shutdown closes every subscriber channel and stops the bus.
func (bus *EventBus) Shutdown() {
	bus.ps.Shutdown()
}

// ---------------------------------------------------------------------------
// Typed generic API
// ---------------------------------------------------------------------------

// Topic is a typed topic identifier. The type parameter T documents (and
// enforces at compile time) what Go type is published on this topic.
type Topic[T any] struct {
	Name string
}

// NewTopic creates a typed topic with the given name.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name}
}

// Publish sends typed data to all subscribers of topic. Because topic
// carries type parameter T, passing the wrong data type is a compile-time
// error.
func Publish[T any](bus *EventBus, topic Topic[T], data T) {
	bus.Pub(data, topic.Name)
}

// topicNamer is satisfied by any Topic[T] and allows accepting mixed
// generic topic types in a single variadic argument list.
type topicNamer interface{ TopicName() string }

// TopicName returns the string name of the topic (implements topicNamer).
func (t Topic[T]) TopicName() string { return t.Name }

// SubTopics subscribes to one or more typed topics, extracting the string
// name from each Topic[T] automatically.
func (bus *EventBus) SubTopics(topics ...topicNamer) chan any {
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.TopicName()
	}
	return bus.Sub(names...)
}
