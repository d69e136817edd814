package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/proto"
)

// Config holds broker relay settings.
type Config struct {
	URL     string
	Prefix  string
	Service string
	NodeID  string
	// Concurrency bounds in-flight upstream handlers and the consumer's unacked messages.
	Concurrency      int
	OperationTimeout time.Duration
	// GatherWindow is how long findClientsByUserId collects answers from the fleet.
	GatherWindow time.Duration
	AckWait      time.Duration
	MaxDeliver   int
	DrainTimeout time.Duration
	// MemoryStorage keeps the upstream stream in memory instead of on disk.
	MemoryStorage bool
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "wiregate"
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 2 * time.Second
	}
	if c.GatherWindow <= 0 {
		c.GatherWindow = 200 * time.Millisecond
	}
	if c.GatherWindow > c.OperationTimeout {
		c.GatherWindow = c.OperationTimeout
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Local is the process-side delivery surface the relay resolves into. *core.Engine implements it.
type Local interface {
	DeliverToClient(clientID string, payload []byte) bool
	DeliverToUser(userID string, payload []byte) int
	DeliverToTopic(topic string, payload []byte, except string) int
	ControlClient(clientID, action, topic string) (bool, error)
	LocalClientsByUser(userID, node string) []proto.ClientInfo
	Dispatch(ctx context.Context, c core.Client, raw []byte) error
}

// Relay bridges one process to the rest of the fleet through NATS.
type Relay struct {
	cfg      Config
	nc       *nats.Conn
	ownsConn bool
	closed   chan struct{}
	js       jetstream.JetStream
	local    Local
	log      *zerolog.Logger

	subs     []*nats.Subscription
	consumer jetstream.ConsumeContext
	sem      chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	started  bool
	closing  bool
	inflight sync.WaitGroup
	pending  map[*pendingMsg]struct{}
}

// Connect dials the broker and builds a relay that owns the connection.
func Connect(cfg Config, local Local, logger *zerolog.Logger) (*Relay, error) {
	cfg.applyDefaults()
	closed := make(chan struct{})
	log := loggerOrNop(logger)

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Prefix+"-"+cfg.NodeID),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("broker reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	r, err := New(nc, cfg, local, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	r.ownsConn = true
	r.closed = closed
	return r, nil
}

// New builds a relay on an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, cfg Config, local Local, logger *zerolog.Logger) (*Relay, error) {
	cfg.applyDefaults()
	if local == nil {
		return nil, errors.New("relay needs a local engine")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:     cfg,
		nc:      nc,
		js:      js,
		local:   local,
		log:     loggerOrNop(logger),
		sem:     make(chan struct{}, cfg.Concurrency),
		pending: make(map[*pendingMsg]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// NodeID identifies this process in ClientInfo.Node.
func (r *Relay) NodeID() string { return r.cfg.NodeID }

// Start subscribes to deliveries and operations, ensures the upstream stream and, when a
// service name is configured, starts consuming that service's upstream messages.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("relay already started")
	}

	sub, err := r.nc.Subscribe(r.deliverSubject(), r.handleDelivery)
	if err != nil {
		return fmt.Errorf("subscribe deliveries: %w", err)
	}
	r.subs = append(r.subs, sub)

	for _, op := range []proto.OperationName{proto.OpSendToTopic, proto.OpSendToClientID, proto.OpSendToUserID} {
		sub, err := r.nc.QueueSubscribe(r.opSubject(op), r.opsQueue(), r.handleSend)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", op, err)
		}
		r.subs = append(r.subs, sub)
	}

	sub, err = r.nc.Subscribe(r.opSubject(proto.OpFindClientsByUserID), r.handleFind)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", proto.OpFindClientsByUserID, err)
	}
	r.subs = append(r.subs, sub)

	if err := r.ensureStream(ctx); err != nil {
		return err
	}
	if r.cfg.Service != "" {
		if err := r.consume(ctx); err != nil {
			return err
		}
	}
	if err := r.nc.FlushTimeout(r.cfg.OperationTimeout); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	r.started = true
	r.log.Info().
		Str("node", r.cfg.NodeID).
		Str("service", r.cfg.Service).
		Str("prefix", r.cfg.Prefix).
		Int("concurrency", r.cfg.Concurrency).
		Msg("broker relay started")
	return nil
}

// Close stops upstream consumption, waits for in-flight handlers up to the drain timeout,
// cancels (and thereby naks) whatever is left, then releases the broker connection.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	consumer := r.consumer
	r.mu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.log.Warn().Msg("drain timeout, cancelling in-flight upstream handlers")
		r.abandon(done)
	case <-ctx.Done():
		r.abandon(done)
	}
	r.cancel()

	if !r.ownsConn {
		for _, sub := range r.subs {
			_ = sub.Unsubscribe()
		}
		return nil
	}

	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	select {
	case <-r.closed:
	case <-ctx.Done():
		r.nc.Close()
	}
	r.log.Info().Msg("broker relay closed")
	return nil
}

// abandon cancels in-flight handlers and gives them OperationTimeout to settle. Messages
// whose handlers still have not returned are nacked so the broker redelivers them.
func (r *Relay) abandon(done <-chan struct{}) {
	r.cancel()
	grace := time.NewTimer(r.cfg.OperationTimeout)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-grace.C:
	}

	r.mu.Lock()
	stuck := make([]*pendingMsg, 0, len(r.pending))
	for p := range r.pending {
		stuck = append(stuck, p)
	}
	r.mu.Unlock()

	for _, p := range stuck {
		if err := p.settle(p.msg.Nak); err != nil {
			r.log.Warn().Err(err).Msg("nak abandoned upstream message")
		}
	}
	r.log.Warn().Int("abandoned", len(stuck)).Msg("upstream handlers ignored cancellation, messages nacked")
}

func loggerOrNop(logger *zerolog.Logger) *zerolog.Logger {
	if logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return logger
}

func (r *Relay) subject(parts ...string) string {
	return r.cfg.Prefix + "." + strings.Join(parts, ".")
}

func (r *Relay) deliverSubject() string { return r.subject("deliver") }

func (r *Relay) opSubject(op proto.OperationName) string { return r.subject("ops", string(op)) }

func (r *Relay) opsQueue() string { return r.cfg.Prefix + "-ops" }

func (r *Relay) upstreamSubject(service string) string { return r.subject("upstream", token(service)) }

func (r *Relay) streamName() string { return strings.ToUpper(token(r.cfg.Prefix)) + "_UPSTREAM" }

// token makes s usable as a single subject token or stream/consumer name.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, s)
}
