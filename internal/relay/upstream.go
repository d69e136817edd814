package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/proto"
)

// Forward enqueues a raw inbound envelope for the handlers of service. The message carries
// the originating socket and identity as headers so the consuming process can answer it.
func (r *Relay) Forward(ctx context.Context, service string, c core.Client, raw []byte) error {
	if service == "" {
		return errors.New("forward: service is required")
	}
	msg := nats.NewMsg(r.upstreamSubject(service))
	msg.Data = raw
	msg.Header.Set(proto.HeaderSocketID, c.ID())
	if tok := c.Token(); tok != "" {
		msg.Header.Set(proto.HeaderToken, tok)
	}
	if id := c.Identity(); id != nil {
		msg.Header.Set(proto.HeaderUserID, id.UserID)
		msg.Header.Set(proto.HeaderUsername, id.Username)
		if len(id.User) > 0 {
			user, err := json.Marshal(id.User)
			if err != nil {
				return fmt.Errorf("encode user header: %w", err)
			}
			msg.Header.Set(proto.HeaderUser, string(user))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()
	if _, err := r.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish upstream %s: %w", service, err)
	}
	return nil
}

func (r *Relay) ensureStream(ctx context.Context) error {
	storage := jetstream.FileStorage
	if r.cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      r.streamName(),
		Subjects:  []string{r.subject("upstream", ">")},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   storage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", r.streamName(), err)
	}
	return nil
}

// consume attaches this process to the shared durable consumer of its service. Every
// process of the same service pulls from it, so each upstream message is handled once.
func (r *Relay) consume(ctx context.Context) error {
	durable := "upstream-" + token(r.cfg.Service)
	cons, err := r.js.CreateOrUpdateConsumer(ctx, r.streamName(), jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: r.upstreamSubject(r.cfg.Service),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       r.cfg.AckWait,
		MaxDeliver:    r.cfg.MaxDeliver,
		MaxAckPending: r.cfg.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(r.onUpstream, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		r.log.Warn().Err(err).Str("consumer", durable).Msg("upstream consume")
	}))
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	r.consumer = cc
	return nil
}

// pendingMsg is an upstream message whose handler has not returned yet. It is settled
// (ack, nak or term) at most once, by the handler or by Close.
type pendingMsg struct {
	msg  jetstream.Msg
	once sync.Once
}

func (p *pendingMsg) settle(fn func() error) error {
	var err error
	p.once.Do(func() { err = fn() })
	return err
}

func (r *Relay) onUpstream(msg jetstream.Msg) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		_ = msg.Nak()
		return
	}
	p := &pendingMsg{msg: msg}
	r.pending[p] = struct{}{}
	r.inflight.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.pending, p)
			r.mu.Unlock()
			r.inflight.Done()
		}()
		select {
		case r.sem <- struct{}{}:
		case <-r.baseCtx.Done():
			_ = p.settle(msg.Nak)
			return
		}
		defer func() { <-r.sem }()
		r.handleUpstream(p)
	}()
}

// handleUpstream runs one relayed message through the local router. The message is acked
// once the handler settles, including when the handler reported an error to the client,
// and nacked only when shutdown interrupted it.
func (r *Relay) handleUpstream(p *pendingMsg) {
	msg := p.msg
	h := msg.Headers()
	socketID := h.Get(proto.HeaderSocketID)
	if socketID == "" {
		r.log.Warn().Str("subject", msg.Subject()).Msg("upstream message without socket id")
		_ = p.settle(msg.Term)
		return
	}

	var identity *core.Identity
	if userID := h.Get(proto.HeaderUserID); userID != "" {
		identity = &core.Identity{UserID: userID, Username: h.Get(proto.HeaderUsername)}
		if raw := h.Get(proto.HeaderUser); raw != "" {
			if err := json.Unmarshal([]byte(raw), &identity.User); err != nil {
				r.log.Warn().Err(err).Str("client_id", socketID).Msg("malformed user header")
				_ = p.settle(msg.Term)
				return
			}
		}
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	defer cancel()
	c := newSyntheticClient(ctx, r, socketID, h.Get(proto.HeaderToken), identity)

	err := r.local.Dispatch(ctx, c, msg.Data())
	switch {
	case r.baseCtx.Err() != nil:
		_ = p.settle(msg.Nak)
	case errors.Is(err, core.ErrMalformedEnvelope):
		r.log.Warn().Err(err).Str("client_id", socketID).Msg("undecodable upstream message")
		_ = p.settle(msg.Term)
	default:
		if err := p.settle(msg.Ack); err != nil {
			r.log.Warn().Err(err).Str("client_id", socketID).Msg("ack upstream message")
		}
	}
}
