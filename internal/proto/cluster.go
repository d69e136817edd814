package proto

import "encoding/json"

// OperationName identifies a cluster-wide operation.
type OperationName string

const (
	OpFindClientsByUserID OperationName = "findClientsByUserId"
	OpSendToTopic         OperationName = "sendToTopic"
	OpSendToClientID      OperationName = "sendToClientID"
	OpSendToUserID        OperationName = "sendToUserId"
)

// OperationRequest is sent over the broker request/reply channel.
type OperationRequest struct {
	Type OperationName   `json:"type"`
	Data json.RawMessage `json:"data"`
}

// OperationReply is the answer to an OperationRequest.
type OperationReply struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// SendData is the request payload of the sendTo* operations.
type SendData struct {
	ClientID string          `json:"client_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Except   string          `json:"except,omitempty"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// FindData is the request payload of findClientsByUserId.
type FindData struct {
	UserID string `json:"user_id"`
}

// ClientInfo describes a connected client somewhere in the fleet.
type ClientInfo struct {
	SocketID string `json:"socket_id"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Node     string `json:"node"`
}

// DeliveryKind selects how a Delivery is resolved by each process.
type DeliveryKind string

const (
	DeliverClient  DeliveryKind = "client"
	DeliverUser    DeliveryKind = "user"
	DeliverTopic   DeliveryKind = "topic"
	DeliverControl DeliveryKind = "control"
)

// Control actions carried by DeliverControl.
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
)

// Delivery is the client-bound unit fanned out to every process.
// Payload holds an already encoded Outbound envelope.
type Delivery struct {
	Kind     DeliveryKind    `json:"kind"`
	ClientID string          `json:"client_id,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Except   string          `json:"except,omitempty"`
	Action   string          `json:"action,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Upstream relay headers.
const (
	HeaderSocketID = "socket_id"
	HeaderToken    = "token"
	HeaderUserID   = "user_id"
	HeaderUsername = "username"
	HeaderUser     = "user"
)
