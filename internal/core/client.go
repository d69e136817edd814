package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/proto"
)

// Client is a connection as seen by handlers. It is implemented by LocalClient for sockets
// owned by this process and by the relay's synthetic client for sockets owned elsewhere.
type Client interface {
	ID() string
	UserID() string
	Username() string
	Token() string
	Identity() *Identity
	Authenticated() bool
	Topics() []string
	// Context is done when the underlying connection (or relayed message) is gone.
	Context() context.Context

	Send(out proto.Outbound) error
	Emit(event string, data any) error
	Error(err error)
	ToTopic(topic, event string, data any, includeSelf bool) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// topicPublisher decides how a client publication reaches other subscribers.
type topicPublisher interface {
	publishTopic(ctx context.Context, from Client, topic string, out proto.Outbound) error
}

// LocalClient is a client whose socket lives in this process.
type LocalClient struct {
	id    string
	conn  Conn
	token string
	pub   topicPublisher
	log   *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	identity *Identity
	topics   map[string]struct{}

	cleanup sync.Once
}

// NewLocalClient constructs a client for conn. identity may be nil for anonymous sessions.
func NewLocalClient(ctx context.Context, conn Conn, token string, identity *Identity, logger *zerolog.Logger) *LocalClient {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(ctx)
	return &LocalClient{
		id:       conn.ID(),
		conn:     conn,
		token:    token,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		identity: identity,
		topics:   make(map[string]struct{}),
	}
}

func (c *LocalClient) ID() string { return c.id }

func (c *LocalClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *LocalClient) Context() context.Context { return c.ctx }

func (c *LocalClient) Identity() *Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *LocalClient) UserID() string {
	if id := c.Identity(); id != nil {
		return id.UserID
	}
	return ""
}

func (c *LocalClient) Username() string {
	if id := c.Identity(); id != nil {
		return id.Username
	}
	return ""
}

func (c *LocalClient) Authenticated() bool {
	return c.Identity() != nil
}

// Authenticate attaches identity to an anonymous connection. Authentication is monotonic:
// it returns false and keeps the existing identity if the client is already authenticated.
func (c *LocalClient) Authenticate(token string, identity *Identity) bool {
	if identity == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		return false
	}
	c.identity = identity
	c.token = token
	return true
}

// Topics returns the client's topic memberships in sorted order.
func (c *LocalClient) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Send writes an envelope to the socket. A dead socket is reported, never panicked on.
func (c *LocalClient) Send(out proto.Outbound) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrUnencodable, out.Event, err)
	}
	if err := c.conn.Send(payload); err != nil {
		c.log.Debug().Err(err).Str("client_id", c.id).Str("event", out.Event).Msg("drop outbound")
		return TransportError(err)
	}
	return nil
}

// Emit sends {event, data} to the client.
func (c *LocalClient) Emit(event string, data any) error {
	return c.Send(proto.Outbound{Event: event, Data: data})
}

// Error emits err under the error event.
func (c *LocalClient) Error(err error) {
	if err == nil {
		return
	}
	_ = c.Send(proto.Outbound{Event: proto.EventError, Error: ErrorMessage(err)})
}

// ToTopic publishes to everyone subscribed to topic but the client itself; includeSelf
// additionally emits to the client so self-delivery never depends on the transport.
func (c *LocalClient) ToTopic(topic, event string, data any, includeSelf bool) error {
	if topic == "" {
		return ProtocolError(errors.New("topic is required"))
	}
	out := proto.Outbound{Event: event, Topic: topic, Data: data}

	var err error
	if c.pub != nil {
		err = c.pub.publishTopic(c.ctx, c, topic, out)
	} else {
		var payload []byte
		payload, err = json.Marshal(out)
		if err == nil {
			err = c.conn.Publish(topic, payload)
		}
	}
	if err != nil {
		return err
	}
	if includeSelf {
		return c.Send(out)
	}
	return nil
}

// Subscribe joins topic and confirms with topic:subscribed.
func (c *LocalClient) Subscribe(topic string) error {
	if topic == "" {
		return ProtocolError(errors.New("topic is required"))
	}
	if err := c.conn.Subscribe(topic); err != nil {
		return TransportError(err)
	}
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	return c.Emit(proto.EventTopicSubscribed, proto.TopicData{Topic: topic})
}

// Unsubscribe leaves topic and confirms with topic:unsubscribed.
func (c *LocalClient) Unsubscribe(topic string) error {
	if topic == "" {
		return ProtocolError(errors.New("topic is required"))
	}
	c.leave(topic)
	return c.Emit(proto.EventTopicUnsubscribed, proto.TopicData{Topic: topic})
}

func (c *LocalClient) leave(topic string) {
	if err := c.conn.Unsubscribe(topic); err != nil {
		c.log.Debug().Err(err).Str("client_id", c.id).Str("topic", topic).Msg("transport unsubscribe")
	}
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// UnsubscribeAll drops every topic membership. Only the first call has an effect.
func (c *LocalClient) UnsubscribeAll() {
	c.cleanup.Do(func() {
		for _, topic := range c.Topics() {
			c.leave(topic)
		}
	})
}

// close cancels the client context; the socket itself is closed by the transport.
func (c *LocalClient) close() {
	c.cancel()
}
