package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   bool            `json:"ack,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Event string `json:"event"`
	Topic string `json:"topic,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	ProtocolVersion = 1

	EventConnected         = "connected"
	EventPing              = "ping"
	EventPong              = "pong"
	EventAuth              = "auth"
	EventAuthenticated     = "authenticated"
	EventTopicSubscribe    = "topic:subscribe"
	EventTopicUnsubscribe  = "topic:unsubscribe"
	EventTopicSubscribed   = "topic:subscribed"
	EventTopicUnsubscribed = "topic:unsubscribed"
	EventError             = "error"
	AckPrefix              = "ack_"
)

// AckEvent returns the event name acknowledgments for event are sent under.
func AckEvent(event string) string {
	return AckPrefix + event
}

// ConnectedData is sent once the connection is registered.
type ConnectedData struct {
	ID            string `json:"id"`
	Authenticated bool   `json:"authenticated"`
}

// TopicData is the payload of topic:* events.
type TopicData struct {
	Topic string `json:"topic"`
}

// AuthData carries a token for the auth built-in.
type AuthData struct {
	Token string `json:"token"`
}

// AuthenticatedData confirms a successful auth event.
type AuthenticatedData struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}
