package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/proto"
)

const waitFor = 3 * time.Second

func runBroker(t *testing.T) string {
	t.Helper()
	s, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go s.Start()
	require.True(t, s.ReadyForConnections(5*time.Second), "broker not ready")
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

type node struct {
	engine *core.Engine
	relay  *Relay
}

func startNode(t *testing.T, url string, cfg Config, opts core.Options) *node {
	t.Helper()
	cfg.URL = url
	if cfg.Prefix == "" {
		cfg.Prefix = "test"
	}
	cfg.MemoryStorage = true
	if cfg.GatherWindow == 0 {
		cfg.GatherWindow = 150 * time.Millisecond
	}

	e := core.NewEngine(opts)
	r, err := Connect(cfg, e, nil)
	require.NoError(t, err)
	e.AttachRelay(r)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return &node{engine: e, relay: r}
}

type socket struct {
	mu  sync.Mutex
	out []outbound
}

type outbound struct {
	Event string          `json:"event"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (s *socket) Write(payload []byte) error {
	var o outbound
	if err := json.Unmarshal(payload, &o); err != nil {
		return err
	}
	s.mu.Lock()
	s.out = append(s.out, o)
	s.mu.Unlock()
	return nil
}

func (s *socket) Close() error { return nil }

func (s *socket) named(event string) []outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var got []outbound
	for _, o := range s.out {
		if o.Event == event {
			got = append(got, o)
		}
	}
	return got
}

func (n *node) connect(t *testing.T, id string, identity *core.Identity) (*core.LocalClient, *socket) {
	t.Helper()
	sock := &socket{}
	c, err := n.engine.Connect(context.Background(), &core.Session{ID: id, Identity: identity}, core.NewBusConn(id, n.engine.Topics(), sock))
	require.NoError(t, err)
	t.Cleanup(func() { n.engine.Disconnect(c) })
	return c, sock
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 10*time.Millisecond, msg)
}

func TestTopicPublishReachesOtherProcess(t *testing.T) {
	url := runBroker(t)
	a := startNode(t, url, Config{NodeID: "a"}, core.Options{})
	b := startNode(t, url, Config{NodeID: "b"}, core.Options{})

	ca, sockA := a.connect(t, "sa", nil)
	cb, sockB := b.connect(t, "sb", nil)
	require.NoError(t, ca.Subscribe("room"))
	require.NoError(t, cb.Subscribe("room"))

	require.NoError(t, cb.ToTopic("room", "said", map[string]string{"text": "hi"}, false))
	eventually(t, func() bool { return len(sockA.named("said")) == 1 }, "subscriber on the other process")

	got := sockA.named("said")[0]
	require.Equal(t, "room", got.Topic)
	require.JSONEq(t, `{"text":"hi"}`, string(got.Data))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, sockB.named("said"), "publisher must not receive its own publication")

	require.NoError(t, a.engine.SendToTopic(context.Background(), "room", "notice", "x"))
	eventually(t, func() bool { return len(sockA.named("notice")) == 1 && len(sockB.named("notice")) == 1 }, "server publish reaches every subscriber")
}

func TestSendToUserIDDeliversOncePerSocket(t *testing.T) {
	url := runBroker(t)
	a := startNode(t, url, Config{NodeID: "a"}, core.Options{})
	b := startNode(t, url, Config{NodeID: "b"}, core.Options{})

	u := &core.Identity{UserID: "u1", Username: "ann"}
	_, sockA := a.connect(t, "sa", u)
	_, sockB := b.connect(t, "sb", u)
	_, other := b.connect(t, "other", &core.Identity{UserID: "u2"})

	require.NoError(t, a.engine.SendToUserID(context.Background(), "u1", "ping:user", 1))
	eventually(t, func() bool { return len(sockA.named("ping:user")) == 1 && len(sockB.named("ping:user")) == 1 }, "both sockets of the user")

	time.Sleep(100 * time.Millisecond)
	require.Len(t, sockA.named("ping:user"), 1)
	require.Len(t, sockB.named("ping:user"), 1)
	require.Empty(t, other.named("ping:user"))
}

func TestSendToClientIDOnOtherProcess(t *testing.T) {
	url := runBroker(t)
	a := startNode(t, url, Config{NodeID: "a"}, core.Options{})
	b := startNode(t, url, Config{NodeID: "b"}, core.Options{})
	_, sockB := b.connect(t, "sb", nil)

	require.NoError(t, a.engine.SendToClientID(context.Background(), "sb", "direct", "hello"))
	eventually(t, func() bool { return len(sockB.named("direct")) == 1 }, "direct delivery")

	require.NoError(t, a.engine.SendToClientID(context.Background(), "nobody", "direct", "hello"))
}

func TestFindClientsByUserIDAcrossProcesses(t *testing.T) {
	url := runBroker(t)
	a := startNode(t, url, Config{NodeID: "a"}, core.Options{})
	b := startNode(t, url, Config{NodeID: "b"}, core.Options{})

	u := &core.Identity{UserID: "u1", Username: "ann"}
	local, _ := a.connect(t, "sa", u)
	_, sockB := b.connect(t, "sb", u)

	clients, err := a.engine.FindClientsByUserID(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, clients, 2)

	var remote core.Client
	for _, c := range clients {
		switch c.ID() {
		case "sa":
			require.Same(t, local, c)
		case "sb":
			require.IsType(t, &SyntheticClient{}, c)
			require.Equal(t, "ann", c.Username())
			remote = c
		default:
			t.Fatalf("unexpected client %s", c.ID())
		}
	}

	require.NoError(t, remote.Emit("hello", "from a"))
	eventually(t, func() bool { return len(sockB.named("hello")) == 1 }, "emit through remote handle")

	require.NoError(t, remote.Subscribe("room"))
	eventually(t, func() bool { return len(sockB.named(proto.EventTopicSubscribed)) == 1 }, "remote subscribe confirmed by owner")
	require.Equal(t, 1, b.engine.Topics().Subscribers("room"))

	none, err := a.engine.FindClientsByUserID(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestOperationValidationFailsFast(t *testing.T) {
	url := runBroker(t)
	a := startNode(t, url, Config{NodeID: "a", OperationTimeout: time.Second}, core.Options{})
	startNode(t, url, Config{NodeID: "b"}, core.Options{})

	start := time.Now()
	err := a.relay.SendToClientID(context.Background(), "", "x", nil)
	var oe *core.OperationError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "target is required", oe.Message)

	err = a.relay.SendToTopic(context.Background(), "room", "", nil, "")
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "event is required", oe.Message)

	_, err = a.relay.FindClientsByUserID(context.Background(), "")
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "user id is required", oe.Message)

	require.Less(t, time.Since(start), time.Second, "rejections must not wait for the timeout")
	require.True(t, core.IsCode(err, core.ErrCodeOperation))
}

func TestBrokerUnavailableIsBrokerError(t *testing.T) {
	url := runBroker(t)
	a := startNode(t, url, Config{NodeID: "a"}, core.Options{})
	require.NoError(t, a.relay.Close(context.Background()))

	err := a.relay.SendToUserID(context.Background(), "u1", "x", nil)
	require.Error(t, err)
	require.True(t, core.IsCode(err, core.ErrCodeBroker), "got %v", err)
}

func TestRoutedEventHandledByUpstreamService(t *testing.T) {
	url := runBroker(t)
	gateway := startNode(t, url, Config{NodeID: "gw"}, core.Options{Routes: map[string]string{"chat:send": "chat"}})

	router := core.NewRouter(nil)
	seen := make(chan *core.HandlerContext, 1)
	require.NoError(t, router.Handle("chat:send", func(_ context.Context, c core.Client, data json.RawMessage, hc *core.HandlerContext) (any, error) {
		seen <- hc
		if err := c.Subscribe("chat:general"); err != nil {
			return nil, err
		}
		return map[string]string{"echo": string(data)}, nil
	}))
	startNode(t, url, Config{NodeID: "svc", Service: "chat"}, core.Options{Router: router})

	c, sock := gateway.connect(t, "s1", &core.Identity{UserID: "u1", Username: "ann", User: map[string]any{"role": "admin"}})
	raw, err := json.Marshal(map[string]any{"event": "chat:send", "data": "hi", "ack": true})
	require.NoError(t, err)
	require.NoError(t, gateway.engine.HandleMessage(context.Background(), c, raw))

	eventually(t, func() bool { return len(sock.named("ack_chat:send")) == 1 }, "ack from upstream handler")
	ack := sock.named("ack_chat:send")[0]
	require.Empty(t, ack.Error)
	require.JSONEq(t, `{"echo":"\"hi\""}`, string(ack.Data))

	hc := <-seen
	require.Equal(t, "s1", hc.ClientID)
	require.Equal(t, "u1", hc.UserID)
	require.Equal(t, "admin", hc.User["role"])
	eventually(t, func() bool { return gateway.engine.Topics().Subscribers("chat:general") == 1 }, "subscribe relayed to owner")
}

func TestUpstreamHandlerErrorIsAckedAndReported(t *testing.T) {
	url := runBroker(t)
	gateway := startNode(t, url, Config{NodeID: "gw"}, core.Options{Routes: map[string]string{"chat:send": "chat"}})

	router := core.NewRouter(nil)
	var calls atomic.Int32
	require.NoError(t, router.Handle("chat:send", func(context.Context, core.Client, json.RawMessage, *core.HandlerContext) (any, error) {
		calls.Add(1)
		return nil, errors.New("room is closed")
	}))
	startNode(t, url, Config{NodeID: "svc", Service: "chat", AckWait: 200 * time.Millisecond}, core.Options{Router: router})

	c, sock := gateway.connect(t, "s1", nil)
	raw, err := json.Marshal(map[string]any{"event": "chat:send", "data": "hi"})
	require.NoError(t, err)
	require.NoError(t, gateway.engine.HandleMessage(context.Background(), c, raw))

	eventually(t, func() bool { return len(sock.named(proto.EventError)) == 1 }, "error event from upstream handler")
	require.Equal(t, "room is closed", sock.named(proto.EventError)[0].Error)

	time.Sleep(500 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load(), "a settled handler must not be redelivered")
}

func TestUpstreamRedeliveredAfterInterruptedShutdown(t *testing.T) {
	url := runBroker(t)
	gateway := startNode(t, url, Config{NodeID: "gw"}, core.Options{Routes: map[string]string{"job": "worker"}})

	started := make(chan struct{})
	blocking := core.NewRouter(nil)
	require.NoError(t, blocking.Handle("job", func(ctx context.Context, _ core.Client, _ json.RawMessage, _ *core.HandlerContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	first := startNode(t, url, Config{NodeID: "w1", Service: "worker", DrainTimeout: 100 * time.Millisecond}, core.Options{Router: blocking})

	c, sock := gateway.connect(t, "s1", nil)
	raw, err := json.Marshal(map[string]any{"event": "job", "data": 7, "ack": true})
	require.NoError(t, err)
	require.NoError(t, gateway.engine.HandleMessage(context.Background(), c, raw))

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first worker never received the job")
	}
	require.NoError(t, first.relay.Close(context.Background()))

	finishing := core.NewRouter(nil)
	require.NoError(t, finishing.Handle("job", func(context.Context, core.Client, json.RawMessage, *core.HandlerContext) (any, error) {
		return "done", nil
	}))
	startNode(t, url, Config{NodeID: "w2", Service: "worker"}, core.Options{Router: finishing})

	eventually(t, func() bool {
		for _, ack := range sock.named("ack_job") {
			if string(ack.Data) == `"done"` {
				return true
			}
		}
		return false
	}, "job redelivered to the next worker")
}

func TestStartAcceptsContextWithoutDeadline(t *testing.T) {
	url := runBroker(t)
	e := core.NewEngine(core.Options{})
	r, err := Connect(Config{URL: url, Prefix: "test", MemoryStorage: true, Service: "svc"}, e, nil)
	require.NoError(t, err)
	e.AttachRelay(r)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	_, err = r.FindClientsByUserID(context.Background(), "nobody")
	require.NoError(t, err)
}

func TestCloseNaksHandlersThatIgnoreCancellation(t *testing.T) {
	url := runBroker(t)
	gateway := startNode(t, url, Config{NodeID: "gw"}, core.Options{Routes: map[string]string{"job": "worker"}})

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stubborn := core.NewRouter(nil)
	require.NoError(t, stubborn.Handle("job", func(context.Context, core.Client, json.RawMessage, *core.HandlerContext) (any, error) {
		close(started)
		<-release
		return "late", nil
	}))
	first := startNode(t, url, Config{
		NodeID:           "w1",
		Service:          "worker",
		DrainTimeout:     100 * time.Millisecond,
		OperationTimeout: 200 * time.Millisecond,
	}, core.Options{Router: stubborn})

	c, sock := gateway.connect(t, "s1", nil)
	raw, err := json.Marshal(map[string]any{"event": "job", "ack": true})
	require.NoError(t, err)
	require.NoError(t, gateway.engine.HandleMessage(context.Background(), c, raw))

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first worker never received the job")
	}

	closed := make(chan error, 1)
	go func() { closed <- first.relay.Close(context.Background()) }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close blocked on a handler that ignores cancellation")
	}

	finishing := core.NewRouter(nil)
	require.NoError(t, finishing.Handle("job", func(context.Context, core.Client, json.RawMessage, *core.HandlerContext) (any, error) {
		return "done", nil
	}))
	startNode(t, url, Config{NodeID: "w2", Service: "worker"}, core.Options{Router: finishing})

	eventually(t, func() bool {
		for _, ack := range sock.named("ack_job") {
			if string(ack.Data) == `"done"` {
				return true
			}
		}
		return false
	}, "abandoned job redelivered to the next worker")
}

func TestForwardRequiresService(t *testing.T) {
	url := runBroker(t)
	gateway := startNode(t, url, Config{NodeID: "gw"}, core.Options{})
	c, _ := gateway.connect(t, "s1", nil)

	require.Error(t, gateway.relay.Forward(context.Background(), "", c, []byte(`{"event":"x"}`)))
}

func TestSubjectToken(t *testing.T) {
	require.Equal(t, "chat_v2", token("chat.v2"))
	require.Equal(t, "a_b_c", token("a*b>c"))
}
