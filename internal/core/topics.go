package core

import (
	"sync"
	"sync/atomic"
)

// Conn is the transport a LocalClient owns.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Publish(topic string, payload []byte) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Close() error
}

// Subscriber receives topic publications.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
}

// TopicBus is the process-local native pub/sub of the transport.
type TopicBus struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
}

// NewTopicBus constructs an empty bus.
func NewTopicBus() *TopicBus {
	return &TopicBus{topics: make(map[string]map[string]Subscriber)}
}

// Subscribe inserts s into topic. Returns true if newly added.
func (b *TopicBus) Subscribe(topic string, s Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		b.topics[topic] = subs
	}
	if _, exists := subs[s.ID()]; exists {
		return false
	}
	subs[s.ID()] = s
	return true
}

// Unsubscribe removes the subscriber with id from topic. Returns true if removed.
func (b *TopicBus) Unsubscribe(topic, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return false
	}
	if _, exists := subs[id]; !exists {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	return true
}

// Publish sends payload to every subscriber of topic except the one with id except.
// Returns the number of subscribers the payload was handed to.
func (b *TopicBus) Publish(topic string, payload []byte, except string) int {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.topics[topic]))
	for id, s := range b.topics[topic] {
		if id == except {
			continue
		}
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		// Slow or dead subscribers are skipped.
		if err := s.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns how many local subscribers topic has.
func (b *TopicBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Len returns the number of topics with at least one subscriber.
func (b *TopicBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// SocketWriter is the raw socket side of a connection.
type SocketWriter interface {
	Write(payload []byte) error
	Close() error
}

// BusConn binds a socket writer to the process topic bus.
type BusConn struct {
	id     string
	bus    *TopicBus
	w      SocketWriter
	closed atomic.Bool
}

// NewBusConn constructs a Conn for socket id.
func NewBusConn(id string, bus *TopicBus, w SocketWriter) *BusConn {
	return &BusConn{id: id, bus: bus, w: w}
}

// ID implements Conn.
func (c *BusConn) ID() string { return c.id }

// Send implements Conn.
func (c *BusConn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.w.Write(payload)
}

// Publish implements Conn. The publisher never receives its own publication.
func (c *BusConn) Publish(topic string, payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.bus.Publish(topic, payload, c.id)
	return nil
}

// Subscribe implements Conn.
func (c *BusConn) Subscribe(topic string) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.bus.Subscribe(topic, c)
	return nil
}

// Unsubscribe implements Conn. It works after Close so dead sockets can be cleaned up.
func (c *BusConn) Unsubscribe(topic string) error {
	c.bus.Unsubscribe(topic, c.id)
	return nil
}

// Close implements Conn.
func (c *BusConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.w.Close()
}
