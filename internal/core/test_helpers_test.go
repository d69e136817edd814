package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/vovakirdan/wiregate/internal/proto"
)

// fakeSocket records everything written to a connection.
type fakeSocket struct {
	mu     sync.Mutex
	out    [][]byte
	closed bool
}

func (s *fakeSocket) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnClosed
	}
	s.out = append(s.out, payload)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
}

type recorded struct {
	Event string          `json:"event"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (s *fakeSocket) events(t *testing.T) []recorded {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]recorded, 0, len(s.out))
	for _, raw := range s.out {
		var r recorded
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("decode outbound %s: %v", raw, err)
		}
		out = append(out, r)
	}
	return out
}

func (s *fakeSocket) named(t *testing.T, event string) []recorded {
	t.Helper()
	var out []recorded
	for _, r := range s.events(t) {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

func mustOne(t *testing.T, s *fakeSocket, event string) recorded {
	t.Helper()
	got := s.named(t, event)
	if len(got) != 1 {
		t.Fatalf("expected exactly one %s, got %d (%+v)", event, len(got), s.events(t))
	}
	return got[0]
}

func connectClient(t *testing.T, e *Engine, id string, identity *Identity) (*LocalClient, *fakeSocket) {
	t.Helper()

	sock := &fakeSocket{}
	conn := NewBusConn(id, e.Topics(), sock)
	c, err := e.Connect(context.Background(), &Session{ID: id, Identity: identity}, conn)
	if err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	sock.reset()
	return c, sock
}

func envelope(t *testing.T, event string, data any, ack bool) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	payload, err := json.Marshal(proto.Inbound{Event: event, Data: raw, Ack: ack})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

// fakeRelay records delegated operations.
type fakeRelay struct {
	mu       sync.Mutex
	node     string
	calls    []string
	found    []proto.ClientInfo
	forward  error
	remotes  []proto.ClientInfo
	excepted []string
}

func (f *fakeRelay) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRelay) NodeID() string { return f.node }

func (f *fakeRelay) SendToClientID(_ context.Context, clientID, event string, _ any) error {
	f.record("client:" + clientID + ":" + event)
	return nil
}

func (f *fakeRelay) SendToUserID(_ context.Context, userID, event string, _ any) error {
	f.record("user:" + userID + ":" + event)
	return nil
}

func (f *fakeRelay) SendToTopic(_ context.Context, topic, event string, _ any, except string) error {
	f.record("topic:" + topic + ":" + event)
	f.mu.Lock()
	f.excepted = append(f.excepted, except)
	f.mu.Unlock()
	return nil
}

func (f *fakeRelay) FindClientsByUserID(_ context.Context, userID string) ([]proto.ClientInfo, error) {
	f.record("find:" + userID)
	return f.found, nil
}

func (f *fakeRelay) Remote(ctx context.Context, info proto.ClientInfo) Client {
	f.mu.Lock()
	f.remotes = append(f.remotes, info)
	f.mu.Unlock()
	sock := &fakeSocket{}
	return NewLocalClient(ctx, NewBusConn(info.SocketID, NewTopicBus(), sock), "", &Identity{UserID: info.UserID}, nil)
}

func (f *fakeRelay) Forward(_ context.Context, service string, c Client, _ []byte) error {
	f.record("forward:" + service + ":" + c.ID())
	return f.forward
}
