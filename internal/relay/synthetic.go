package relay

import (
	"context"
	"errors"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/proto"
)

// SyntheticClient stands in for a socket owned by another process. Everything it sends
// travels through the broker back to the owning process.
type SyntheticClient struct {
	relay    *Relay
	id       string
	token    string
	identity *core.Identity
	ctx      context.Context
}

var _ core.Client = (*SyntheticClient)(nil)

func newSyntheticClient(ctx context.Context, r *Relay, id, token string, identity *core.Identity) *SyntheticClient {
	return &SyntheticClient{relay: r, id: id, token: token, identity: identity, ctx: ctx}
}

// Remote returns a handle for a socket found on another process.
func (r *Relay) Remote(ctx context.Context, info proto.ClientInfo) core.Client {
	var identity *core.Identity
	if info.UserID != "" {
		identity = &core.Identity{UserID: info.UserID, Username: info.Username}
	}
	return newSyntheticClient(ctx, r, info.SocketID, "", identity)
}

func (c *SyntheticClient) ID() string               { return c.id }
func (c *SyntheticClient) Token() string            { return c.token }
func (c *SyntheticClient) Identity() *core.Identity { return c.identity }
func (c *SyntheticClient) Authenticated() bool      { return c.identity != nil }
func (c *SyntheticClient) Context() context.Context { return c.ctx }

// Topics is unknown here; memberships live with the owning process.
func (c *SyntheticClient) Topics() []string { return nil }

func (c *SyntheticClient) UserID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

func (c *SyntheticClient) Username() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.Username
}

func (c *SyntheticClient) Send(out proto.Outbound) error {
	raw, err := encodeData(out.Data)
	if err != nil {
		return err
	}
	return c.relay.send(c.ctx, proto.OpSendToClientID, proto.SendData{
		ClientID: c.id,
		Topic:    out.Topic,
		Event:    out.Event,
		Data:     raw,
		Error:    out.Error,
	})
}

func (c *SyntheticClient) Emit(event string, data any) error {
	return c.Send(proto.Outbound{Event: event, Data: data})
}

func (c *SyntheticClient) Error(err error) {
	if err == nil {
		return
	}
	if serr := c.Send(proto.Outbound{Event: proto.EventError, Error: core.ErrorMessage(err)}); serr != nil {
		c.relay.log.Debug().Err(serr).Str("client_id", c.id).Msg("relay error event")
	}
}

func (c *SyntheticClient) ToTopic(topic, event string, data any, includeSelf bool) error {
	if topic == "" {
		return core.ProtocolError(errors.New("topic is required"))
	}
	if err := c.relay.SendToTopic(c.ctx, topic, event, data, c.id); err != nil {
		return err
	}
	if includeSelf {
		return c.Send(proto.Outbound{Event: event, Topic: topic, Data: data})
	}
	return nil
}

// Subscribe asks the owning process to join topic; that process confirms to the socket.
func (c *SyntheticClient) Subscribe(topic string) error {
	return c.control(proto.ControlSubscribe, topic)
}

func (c *SyntheticClient) Unsubscribe(topic string) error {
	return c.control(proto.ControlUnsubscribe, topic)
}

func (c *SyntheticClient) control(action, topic string) error {
	if topic == "" {
		return core.ProtocolError(errors.New("topic is required"))
	}
	return c.relay.publishDelivery(proto.Delivery{
		Kind:     proto.DeliverControl,
		ClientID: c.id,
		Action:   action,
		Topic:    topic,
	})
}
