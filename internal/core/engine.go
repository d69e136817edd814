package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/proto"
)

// Relay delivers across every process of the fleet. When an engine has a relay attached,
// all outbound sends go through it.
type Relay interface {
	NodeID() string
	SendToClientID(ctx context.Context, clientID, event string, data any) error
	SendToUserID(ctx context.Context, userID, event string, data any) error
	SendToTopic(ctx context.Context, topic, event string, data any, except string) error
	FindClientsByUserID(ctx context.Context, userID string) ([]proto.ClientInfo, error)
	// Remote returns a Client handle for a socket owned by another process.
	Remote(ctx context.Context, info proto.ClientInfo) Client
	// Forward hands a raw inbound envelope to the handlers of another service.
	Forward(ctx context.Context, service string, c Client, raw []byte) error
}

// Hooks customize the connection lifecycle. All are optional.
type Hooks struct {
	// OnUpgrade replaces the default upgrade. Returning an *UpgradeError rejects or redirects.
	OnUpgrade func(ctx context.Context, req UpgradeRequest) (*Session, error)
	// OnConnection runs before the client is told it is connected; an error refuses the connection.
	OnConnection func(ctx context.Context, c *LocalClient) error
	// OnDisconnect runs first on disconnect; its failure never prevents cleanup.
	OnDisconnect func(ctx context.Context, c *LocalClient) error
}

// Options configure an Engine.
type Options struct {
	Router        *Router
	Topics        *TopicBus
	Authenticator Authenticator
	Hooks         Hooks
	// RequireAuth rejects upgrades without a valid token.
	RequireAuth bool
	// Routes maps event names to the upstream service whose handlers own them.
	Routes map[string]string
	Logger *zerolog.Logger
}

// Engine owns the clients and router of one process and resolves sends locally or through
// the attached relay.
type Engine struct {
	registry    *Registry
	router      *Router
	topics      *TopicBus
	auth        Authenticator
	hooks       Hooks
	requireAuth bool
	routes      map[string]string
	relay       Relay
	log         *zerolog.Logger
}

// NewEngine constructs an engine. Missing router and bus are created.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	router := opts.Router
	if router == nil {
		router = NewRouter(logger)
	}
	topics := opts.Topics
	if topics == nil {
		topics = NewTopicBus()
	}
	if opts.Authenticator != nil {
		router.handleDefault(proto.EventAuth, authHandler(opts.Authenticator))
	}
	routes := make(map[string]string, len(opts.Routes))
	for event, service := range opts.Routes {
		routes[event] = service
	}

	return &Engine{
		registry:    NewRegistry(),
		router:      router,
		topics:      topics,
		auth:        opts.Authenticator,
		hooks:       opts.Hooks,
		requireAuth: opts.RequireAuth,
		routes:      routes,
		log:         logger,
	}
}

// AttachRelay switches the engine to cluster-wide delivery. Call before serving.
func (e *Engine) AttachRelay(r Relay) {
	e.relay = r
}

func (e *Engine) Registry() *Registry { return e.registry }
func (e *Engine) Router() *Router     { return e.router }
func (e *Engine) Topics() *TopicBus   { return e.topics }

// NodeID names this process in the fleet, or "" when no relay is attached.
func (e *Engine) NodeID() string {
	if e.relay == nil {
		return ""
	}
	return e.relay.NodeID()
}

// Upgrade decides whether a socket may connect and with which identity.
func (e *Engine) Upgrade(ctx context.Context, req UpgradeRequest) (*Session, error) {
	if e.hooks.OnUpgrade != nil {
		s, err := e.hooks.OnUpgrade(ctx, req)
		if err != nil {
			return nil, err
		}
		if s == nil {
			s = &Session{Token: req.Token}
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		return s, nil
	}

	s := &Session{ID: uuid.NewString(), Token: req.Token}
	if req.Token != "" && e.auth != nil {
		identity, err := e.auth.Authenticate(ctx, req.Token)
		if err != nil {
			e.log.Debug().Err(err).Str("remote_addr", req.RemoteAddr).Msg("upgrade token rejected")
		} else {
			s.Identity = identity
		}
	}
	if e.requireAuth && s.Identity == nil {
		return nil, &UpgradeError{Status: http.StatusUnauthorized, Reason: ErrUnauthenticated.Error()}
	}
	return s, nil
}

// Connect builds the client for an accepted socket and registers it.
func (e *Engine) Connect(ctx context.Context, s *Session, conn Conn) (*LocalClient, error) {
	if _, taken := e.registry.Get(conn.ID()); taken {
		return nil, fmt.Errorf("connect %s: %w", conn.ID(), ErrDuplicateClientID)
	}
	c := NewLocalClient(ctx, conn, s.Token, s.Identity, e.log)
	c.pub = e

	if e.hooks.OnConnection != nil {
		if err := e.hooks.OnConnection(c.Context(), c); err != nil {
			c.close()
			return nil, fmt.Errorf("on connection: %w", err)
		}
	}

	if err := c.Emit(proto.EventConnected, proto.ConnectedData{ID: c.ID(), Authenticated: c.Authenticated()}); err != nil {
		e.log.Debug().Err(err).Str("client_id", c.ID()).Msg("connected event not delivered")
	}
	if !e.registry.Add(c) {
		c.close()
		return nil, fmt.Errorf("connect %s: %w", c.ID(), ErrDuplicateClientID)
	}
	e.log.Debug().Str("client_id", c.ID()).Bool("authenticated", c.Authenticated()).Msg("client connected")
	return c, nil
}

// HandleMessage processes one raw message from a local socket.
func (e *Engine) HandleMessage(ctx context.Context, c *LocalClient, raw []byte) error {
	env, err := Decode(raw)
	if err != nil {
		c.Error(err)
		return err
	}

	if service, ok := e.routes[env.Event]; ok && e.relay != nil {
		if err := e.relay.Forward(ctx, service, c, raw); err != nil {
			err = BrokerError(err)
			e.log.Warn().Err(err).Str("client_id", c.ID()).Str("event", env.Event).Str("service", service).Msg("forward upstream")
			if env.Ack {
				e.router.ack(c, env.Event, nil, err)
			} else {
				c.Error(err)
			}
			return err
		}
		return nil
	}

	return e.router.Serve(ctx, c, env)
}

// Dispatch runs a raw envelope through the router without upstream forwarding.
// Relayed messages enter here.
func (e *Engine) Dispatch(ctx context.Context, c Client, raw []byte) error {
	return e.router.Dispatch(ctx, c, raw)
}

// Disconnect tears a client down. Topic memberships and the registry entry are always
// released, whatever OnDisconnect does.
func (e *Engine) Disconnect(c *LocalClient) {
	defer func() {
		c.UnsubscribeAll()
		e.registry.Remove(c.ID())
		c.close()
		e.log.Debug().Str("client_id", c.ID()).Msg("client disconnected")
	}()

	if e.hooks.OnDisconnect == nil {
		return
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.log.Error().Interface("panic", rec).Str("client_id", c.ID()).Msg("on disconnect hook panicked")
			}
		}()
		if err := e.hooks.OnDisconnect(c.Context(), c); err != nil {
			e.log.Warn().Err(err).Str("client_id", c.ID()).Msg("on disconnect hook failed")
		}
	}()
}

// SendToClientID emits event to one connection, wherever it is connected.
func (e *Engine) SendToClientID(ctx context.Context, clientID, event string, data any) error {
	if err := ValidateSend(proto.OpSendToClientID, clientID, event); err != nil {
		return err
	}
	if e.relay != nil {
		return e.relay.SendToClientID(ctx, clientID, event, data)
	}
	c, ok := e.registry.Get(clientID)
	if !ok {
		e.log.Debug().Str("client_id", clientID).Str("event", event).Msg("send to unknown client")
		return nil
	}
	return c.Emit(event, data)
}

// SendToUserID emits event to every connection of userID.
func (e *Engine) SendToUserID(ctx context.Context, userID, event string, data any) error {
	if err := ValidateSend(proto.OpSendToUserID, userID, event); err != nil {
		return err
	}
	if e.relay != nil {
		return e.relay.SendToUserID(ctx, userID, event, data)
	}
	for _, c := range e.registry.FindByUserID(userID) {
		_ = c.Emit(event, data)
	}
	return nil
}

// SendToTopic publishes event to every subscriber of topic.
func (e *Engine) SendToTopic(ctx context.Context, topic, event string, data any) error {
	if err := ValidateSend(proto.OpSendToTopic, topic, event); err != nil {
		return err
	}
	if e.relay != nil {
		return e.relay.SendToTopic(ctx, topic, event, data, "")
	}
	payload, err := json.Marshal(proto.Outbound{Event: event, Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	e.topics.Publish(topic, payload, "")
	return nil
}

// FindClientsByUserID returns an addressable handle for every connection of userID:
// concrete clients for local sockets, relay-backed clients for remote ones.
func (e *Engine) FindClientsByUserID(ctx context.Context, userID string) ([]Client, error) {
	if userID == "" {
		return nil, &OperationError{Operation: string(proto.OpFindClientsByUserID), Message: "user id is required"}
	}
	if e.relay == nil {
		local := e.registry.FindByUserID(userID)
		out := make([]Client, 0, len(local))
		for _, c := range local {
			out = append(out, c)
		}
		return out, nil
	}

	infos, err := e.relay.FindClientsByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Client, 0, len(infos))
	for _, info := range infos {
		if info.Node == e.relay.NodeID() {
			if c, ok := e.registry.Get(info.SocketID); ok {
				out = append(out, c)
			}
			continue
		}
		out = append(out, e.relay.Remote(ctx, info))
	}
	return out, nil
}

func (e *Engine) publishTopic(ctx context.Context, from Client, topic string, out proto.Outbound) error {
	if e.relay != nil {
		return e.relay.SendToTopic(ctx, topic, out.Event, out.Data, from.ID())
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.Event, err)
	}
	e.topics.Publish(topic, payload, from.ID())
	return nil
}

// DeliverToClient writes an encoded envelope to a local socket. Returns false if the
// socket is not connected here.
func (e *Engine) DeliverToClient(clientID string, payload []byte) bool {
	c, ok := e.registry.Get(clientID)
	if !ok {
		return false
	}
	return c.conn.Send(payload) == nil
}

// DeliverToUser writes an encoded envelope to every local socket of userID.
func (e *Engine) DeliverToUser(userID string, payload []byte) int {
	delivered := 0
	for _, c := range e.registry.FindByUserID(userID) {
		if c.conn.Send(payload) == nil {
			delivered++
		}
	}
	return delivered
}

// DeliverToTopic publishes an encoded envelope to local subscribers of topic except one socket.
func (e *Engine) DeliverToTopic(topic string, payload []byte, except string) int {
	return e.topics.Publish(topic, payload, except)
}

// ControlClient applies a remote subscribe or unsubscribe to a local socket.
func (e *Engine) ControlClient(clientID, action, topic string) (bool, error) {
	c, ok := e.registry.Get(clientID)
	if !ok {
		return false, nil
	}
	switch action {
	case proto.ControlSubscribe:
		return true, c.Subscribe(topic)
	case proto.ControlUnsubscribe:
		return true, c.Unsubscribe(topic)
	default:
		return true, ProtocolError(fmt.Errorf("unknown control action %q", action))
	}
}

// LocalClientsByUser describes the local sockets of userID for cluster lookups.
func (e *Engine) LocalClientsByUser(userID, node string) []proto.ClientInfo {
	local := e.registry.FindByUserID(userID)
	out := make([]proto.ClientInfo, 0, len(local))
	for _, c := range local {
		out = append(out, proto.ClientInfo{SocketID: c.ID(), UserID: c.UserID(), Username: c.Username(), Node: node})
	}
	return out
}

// ValidateSend checks the preconditions shared by the sendTo* operations.
func ValidateSend(op proto.OperationName, target, event string) error {
	if target == "" {
		return &OperationError{Operation: string(op), Message: "target is required"}
	}
	if event == "" {
		return &OperationError{Operation: string(op), Message: "event is required"}
	}
	return nil
}

// IsUpgradeError reports whether err rejects an upgrade, returning it.
func IsUpgradeError(err error) (*UpgradeError, bool) {
	var ue *UpgradeError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
