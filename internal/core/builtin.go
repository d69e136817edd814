package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vovakirdan/wiregate/internal/proto"
)

func (r *Router) registerBuiltins() {
	_ = r.Handle(proto.EventPing, pingHandler)
	_ = r.Handle(proto.EventTopicSubscribe, subscribeHandler)
	_ = r.Handle(proto.EventTopicUnsubscribe, unsubscribeHandler)
}

func pingHandler(_ context.Context, c Client, data json.RawMessage, _ *HandlerContext) (any, error) {
	var echo any
	if len(data) > 0 {
		echo = data
	}
	if err := c.Emit(proto.EventPong, echo); err != nil {
		return nil, err
	}
	return proto.EventPong, nil
}

func subscribeHandler(_ context.Context, c Client, data json.RawMessage, _ *HandlerContext) (any, error) {
	topic, err := decodeTopic(data)
	if err != nil {
		return nil, err
	}
	if err := c.Subscribe(topic); err != nil {
		return nil, err
	}
	return proto.TopicData{Topic: topic}, nil
}

func unsubscribeHandler(_ context.Context, c Client, data json.RawMessage, _ *HandlerContext) (any, error) {
	topic, err := decodeTopic(data)
	if err != nil {
		return nil, err
	}
	if err := c.Unsubscribe(topic); err != nil {
		return nil, err
	}
	return proto.TopicData{Topic: topic}, nil
}

// decodeTopic accepts either {"topic": "..."} or a bare string.
func decodeTopic(data json.RawMessage) (string, error) {
	var td proto.TopicData
	if err := json.Unmarshal(data, &td); err == nil && td.Topic != "" {
		return td.Topic, nil
	}
	var topic string
	if err := json.Unmarshal(data, &topic); err == nil && topic != "" {
		return topic, nil
	}
	return "", ProtocolError(errors.New("topic is required"))
}

// authHandler authenticates an anonymous local connection with a token after connect.
func authHandler(auth Authenticator) HandlerFunc {
	return func(ctx context.Context, c Client, data json.RawMessage, _ *HandlerContext) (any, error) {
		lc, ok := c.(*LocalClient)
		if !ok {
			return nil, errors.New("auth is only available on direct connections")
		}
		var req proto.AuthData
		if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
			return nil, ProtocolError(errors.New("token is required"))
		}
		if lc.Authenticated() {
			return nil, errors.New("already authenticated")
		}
		identity, err := auth.Authenticate(ctx, req.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		if !lc.Authenticate(req.Token, identity) {
			return nil, errors.New("already authenticated")
		}
		resp := proto.AuthenticatedData{UserID: identity.UserID, Username: identity.Username}
		if err := lc.Emit(proto.EventAuthenticated, resp); err != nil {
			return nil, err
		}
		return resp, nil
	}
}
