package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/proto"
)

// publishDelivery fans d out to every process, this one included.
func (r *Relay) publishDelivery(d proto.Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := r.nc.Publish(r.deliverSubject(), payload); err != nil {
		return core.BrokerError(fmt.Errorf("publish delivery: %w", err))
	}
	return nil
}

// handleDelivery resolves a fanned-out delivery against this process's sockets.
func (r *Relay) handleDelivery(msg *nats.Msg) {
	var d proto.Delivery
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		r.log.Warn().Err(err).Msg("malformed delivery")
		return
	}

	switch d.Kind {
	case proto.DeliverClient:
		r.local.DeliverToClient(d.ClientID, d.Payload)
	case proto.DeliverUser:
		r.local.DeliverToUser(d.UserID, d.Payload)
	case proto.DeliverTopic:
		r.local.DeliverToTopic(d.Topic, d.Payload, d.Except)
	case proto.DeliverControl:
		ok, err := r.local.ControlClient(d.ClientID, d.Action, d.Topic)
		if ok && err != nil {
			r.log.Warn().Err(err).Str("client_id", d.ClientID).Str("action", d.Action).Str("topic", d.Topic).Msg("control delivery")
		}
	default:
		r.log.Warn().Str("kind", string(d.Kind)).Msg("unknown delivery kind")
	}
}
