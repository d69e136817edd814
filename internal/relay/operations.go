package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/proto"
)

// SendToClientID delivers event to one socket anywhere in the fleet.
func (r *Relay) SendToClientID(ctx context.Context, clientID, event string, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	return r.send(ctx, proto.OpSendToClientID, proto.SendData{ClientID: clientID, Event: event, Data: raw})
}

// SendToUserID delivers event to every socket of userID in the fleet.
func (r *Relay) SendToUserID(ctx context.Context, userID, event string, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	return r.send(ctx, proto.OpSendToUserID, proto.SendData{UserID: userID, Event: event, Data: raw})
}

// SendToTopic publishes event to every subscriber of topic in the fleet except socket except.
func (r *Relay) SendToTopic(ctx context.Context, topic, event string, data any, except string) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	return r.send(ctx, proto.OpSendToTopic, proto.SendData{Topic: topic, Except: except, Event: event, Data: raw})
}

// FindClientsByUserID gathers the sockets of userID from every process for the gather window.
// The first process that rejects the request fails the call.
func (r *Relay) FindClientsByUserID(ctx context.Context, userID string) ([]proto.ClientInfo, error) {
	req, err := encodeRequest(proto.OpFindClientsByUserID, proto.FindData{UserID: userID})
	if err != nil {
		return nil, err
	}

	inbox := nats.NewInbox()
	sub, err := r.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, core.BrokerError(fmt.Errorf("%s: %w", proto.OpFindClientsByUserID, err))
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := r.nc.PublishRequest(r.opSubject(proto.OpFindClientsByUserID), inbox, req); err != nil {
		return nil, core.BrokerError(fmt.Errorf("%s: %w", proto.OpFindClientsByUserID, err))
	}

	gatherCtx, cancel := context.WithTimeout(ctx, r.cfg.GatherWindow)
	defer cancel()

	seen := make(map[string]struct{})
	var out []proto.ClientInfo
	replies := 0
	for {
		msg, err := sub.NextMsgWithContext(gatherCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, core.BrokerError(fmt.Errorf("%s: %w", proto.OpFindClientsByUserID, err))
		}
		replies++

		var reply proto.OperationReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			r.log.Warn().Err(err).Msg("malformed find reply")
			continue
		}
		if !reply.OK {
			return nil, &core.OperationError{Operation: string(proto.OpFindClientsByUserID), Message: reply.Error}
		}
		var infos []proto.ClientInfo
		if err := json.Unmarshal(reply.Data, &infos); err != nil {
			r.log.Warn().Err(err).Msg("malformed find reply data")
			continue
		}
		for _, info := range infos {
			if _, dup := seen[info.SocketID]; dup {
				continue
			}
			seen[info.SocketID] = struct{}{}
			out = append(out, info)
		}
	}

	if replies == 0 {
		return nil, core.BrokerError(fmt.Errorf("%s: %w", proto.OpFindClientsByUserID, nats.ErrNoResponders))
	}
	return out, nil
}

// send issues one sendTo* operation with the configured timeout.
func (r *Relay) send(ctx context.Context, op proto.OperationName, data proto.SendData) error {
	req, err := encodeRequest(op, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(ctx, r.opSubject(op), req)
	if err != nil {
		return core.BrokerError(fmt.Errorf("%s: %w", op, err))
	}

	var reply proto.OperationReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return core.BrokerError(fmt.Errorf("%s: decode reply: %w", op, err))
	}
	if !reply.OK {
		return &core.OperationError{Operation: string(op), Message: reply.Error}
	}
	return nil
}

// handleSend is the responder side of the sendTo* operations. It validates the request,
// fans the delivery out to every process and replies; it never leaves a caller to time out.
func (r *Relay) handleSend(msg *nats.Msg) {
	var req proto.OperationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.reply(msg, nil, errors.New("malformed operation request"))
		return
	}
	var sd proto.SendData
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &sd); err != nil {
			r.reply(msg, nil, errors.New("malformed operation data"))
			return
		}
	}

	d := proto.Delivery{Except: sd.Except}
	var target string
	switch req.Type {
	case proto.OpSendToClientID:
		target, d.Kind, d.ClientID = sd.ClientID, proto.DeliverClient, sd.ClientID
	case proto.OpSendToUserID:
		target, d.Kind, d.UserID = sd.UserID, proto.DeliverUser, sd.UserID
	case proto.OpSendToTopic:
		target, d.Kind, d.Topic = sd.Topic, proto.DeliverTopic, sd.Topic
	default:
		r.reply(msg, nil, fmt.Errorf("unknown operation %q", req.Type))
		return
	}
	if err := core.ValidateSend(req.Type, target, sd.Event); err != nil {
		var oe *core.OperationError
		if errors.As(err, &oe) {
			err = errors.New(oe.Message)
		}
		r.reply(msg, nil, err)
		return
	}

	out := proto.Outbound{Event: sd.Event, Topic: sd.Topic, Error: sd.Error}
	if len(sd.Data) > 0 {
		out.Data = sd.Data
	}
	payload, err := json.Marshal(out)
	if err != nil {
		r.reply(msg, nil, fmt.Errorf("encode envelope: %w", err))
		return
	}
	d.Payload = payload

	if err := r.publishDelivery(d); err != nil {
		r.reply(msg, nil, err)
		return
	}
	r.reply(msg, nil, nil)
}

// handleFind answers findClientsByUserId with this process's sockets.
func (r *Relay) handleFind(msg *nats.Msg) {
	var req proto.OperationRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.reply(msg, nil, errors.New("malformed operation request"))
		return
	}
	var fd proto.FindData
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &fd); err != nil {
			r.reply(msg, nil, errors.New("malformed operation data"))
			return
		}
	}
	if fd.UserID == "" {
		r.reply(msg, nil, errors.New("user id is required"))
		return
	}
	r.reply(msg, r.local.LocalClientsByUser(fd.UserID, r.cfg.NodeID), nil)
}

func (r *Relay) reply(msg *nats.Msg, data any, opErr error) {
	if msg.Reply == "" {
		return
	}
	reply := proto.OperationReply{OK: opErr == nil}
	if opErr != nil {
		reply.Error = opErr.Error()
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			reply = proto.OperationReply{Error: fmt.Sprintf("encode reply: %v", err)}
		} else {
			reply.Data = raw
		}
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		r.log.Error().Err(err).Msg("encode operation reply")
		return
	}
	if err := msg.Respond(payload); err != nil {
		r.log.Warn().Err(err).Str("subject", msg.Subject).Msg("respond to operation")
	}
}

func encodeRequest(op proto.OperationName, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", op, err)
	}
	return json.Marshal(proto.OperationRequest{Type: op, Data: raw})
}

func encodeData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: encode data: %v", core.ErrUnencodable, err)
	}
	return raw, nil
}
