package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/proto"
)

// HandlerFunc handles one inbound event. The returned value becomes the ack data.
type HandlerFunc func(ctx context.Context, c Client, data json.RawMessage, hc *HandlerContext) (any, error)

// Middleware runs before a handler; a non-nil error aborts the handler.
type Middleware func(ctx context.Context, c Client, data json.RawMessage, hc *HandlerContext) error

// Handler is a registered event handler. It is immutable once registered.
type Handler struct {
	Event       string
	Fn          HandlerFunc
	Middlewares []Middleware
	UseContexts []string

	contexts map[string]any
}

// HandlerOption configures a Handler at registration time.
type HandlerOption func(*Handler)

// WithMiddleware appends middlewares, run in declaration order.
func WithMiddleware(mw ...Middleware) HandlerOption {
	return func(h *Handler) {
		h.Middlewares = append(h.Middlewares, mw...)
	}
}

// UseContexts requests static contexts registered with Router.Provide.
func UseContexts(names ...string) HandlerOption {
	return func(h *Handler) {
		h.UseContexts = append(h.UseContexts, names...)
	}
}

// HandlerContext is the per-message view handed to middlewares and handlers: the requested
// static contexts merged with the identity of the sending client.
type HandlerContext struct {
	Event         string
	ClientID      string
	UserID        string
	Username      string
	Authenticated bool
	User          map[string]any

	values map[string]any
}

// Value returns a static context requested through UseContexts.
func (hc *HandlerContext) Value(name string) (any, bool) {
	v, ok := hc.values[name]
	return v, ok
}

// Router maps event names to handlers and drives the ack protocol.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
	contexts map[string]any
	global   []Middleware
	log      *zerolog.Logger
}

// NewRouter constructs a router with the built-in handlers registered.
func NewRouter(logger *zerolog.Logger) *Router {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	r := &Router{
		handlers: make(map[string]*Handler),
		contexts: make(map[string]any),
		log:      logger,
	}
	r.registerBuiltins()
	return r
}

// Provide registers a static context object that handlers may request by name.
func (r *Router) Provide(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[name] = value
}

// Use appends middlewares that run before every handler registered afterwards.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, mw...)
}

// Handle registers fn for event. Registering the same event again replaces the previous
// handler, built-ins included.
func (r *Router) Handle(event string, fn HandlerFunc, opts ...HandlerOption) error {
	if event == "" {
		return errors.New("event name is required")
	}
	if fn == nil {
		return fmt.Errorf("handler for %s is nil", event)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h := &Handler{Event: event, Fn: fn}
	h.Middlewares = append(h.Middlewares, r.global...)
	for _, opt := range opts {
		opt(h)
	}

	h.contexts = make(map[string]any, len(h.UseContexts))
	for _, name := range h.UseContexts {
		v, ok := r.contexts[name]
		if !ok {
			return fmt.Errorf("register %s: %w %q", event, ErrUnknownContext, name)
		}
		h.contexts[name] = v
	}

	r.handlers[event] = h
	return nil
}

// handleDefault registers fn only when nothing is registered for event yet.
func (r *Router) handleDefault(event string, fn HandlerFunc) {
	r.mu.RLock()
	_, exists := r.handlers[event]
	r.mu.RUnlock()
	if !exists {
		_ = r.Handle(event, fn)
	}
}

// Lookup returns the handler registered for event.
func (r *Router) Lookup(event string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[event]
	return h, ok
}

// Decode validates a raw payload as an inbound envelope.
func Decode(raw []byte) (proto.Inbound, error) {
	var env proto.Inbound
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, ProtocolError(fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	if env.Event == "" {
		return env, ProtocolError(fmt.Errorf("%w: missing event", ErrMalformedEnvelope))
	}
	return env, nil
}

// Dispatch decodes raw and serves it. Malformed payloads are reported to the client.
func (r *Router) Dispatch(ctx context.Context, c Client, raw []byte) error {
	env, err := Decode(raw)
	if err != nil {
		c.Error(err)
		return err
	}
	return r.Serve(ctx, c, env)
}

// Serve runs the handler for env and acknowledges it when requested. The returned error is
// the handler outcome; it never indicates the router itself is broken.
func (r *Router) Serve(ctx context.Context, c Client, env proto.Inbound) error {
	h, ok := r.Lookup(env.Event)
	if !ok {
		r.log.Debug().Str("client_id", c.ID()).Str("event", env.Event).Msg("no handler for event")
		if env.Ack {
			r.ack(c, env.Event, nil, ErrNoHandler)
		}
		return ProtocolError(ErrNoHandler)
	}

	hc := r.handlerContext(h, c)
	result, err := r.run(ctx, h, c, env.Data, hc)
	if err != nil {
		err = HandlerError(env.Event, err)
		r.log.Warn().Err(err).Str("client_id", c.ID()).Str("event", env.Event).Msg("handler failed")
	}

	if env.Ack {
		if ackErr := r.ack(c, env.Event, result, err); ackErr != nil && err == nil {
			err = HandlerError(env.Event, ackErr)
		}
	} else if err != nil {
		c.Error(err)
	}
	return err
}

func (r *Router) handlerContext(h *Handler, c Client) *HandlerContext {
	hc := &HandlerContext{
		Event:         h.Event,
		ClientID:      c.ID(),
		UserID:        c.UserID(),
		Username:      c.Username(),
		Authenticated: c.Authenticated(),
		values:        h.contexts,
	}
	if id := c.Identity(); id != nil {
		hc.User = id.User
	}
	return hc
}

func (r *Router) run(ctx context.Context, h *Handler, c Client, data json.RawMessage, hc *HandlerContext) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	for _, mw := range h.Middlewares {
		if err := mw(ctx, c, data, hc); err != nil {
			return nil, err
		}
	}
	return h.Fn(ctx, c, data, hc)
}

// ack sends exactly one ack_<event>. A result that cannot be encoded is replaced by an
// error ack and the encode failure is returned.
func (r *Router) ack(c Client, event string, result any, err error) error {
	out := proto.Outbound{Event: proto.AckEvent(event), Data: result, Error: ErrorMessage(err)}
	sendErr := c.Send(out)
	if sendErr == nil {
		return nil
	}
	if !errors.Is(sendErr, ErrUnencodable) {
		r.log.Debug().Err(sendErr).Str("client_id", c.ID()).Str("event", event).Msg("ack not delivered")
		return nil
	}

	encodeErr := fmt.Errorf("encode result: %w", sendErr)
	r.log.Warn().Err(encodeErr).Str("client_id", c.ID()).Str("event", event).Msg("ack result not encodable")
	out = proto.Outbound{Event: proto.AckEvent(event), Error: encodeErr.Error()}
	if err := c.Send(out); err != nil {
		r.log.Debug().Err(err).Str("client_id", c.ID()).Str("event", event).Msg("ack not delivered")
	}
	return encodeErr
}
