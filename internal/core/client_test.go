package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestSubscribeAndUnsubscribeAcknowledge(t *testing.T) {
	e := NewEngine(Options{})
	c, sock := connectClient(t, e, "a", nil)

	if err := c.Subscribe("room:1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ev := mustOne(t, sock, "topic:subscribed"); string(ev.Data) != `{"topic":"room:1"}` {
		t.Fatalf("unexpected ack: %s", ev.Data)
	}
	if !reflect.DeepEqual(c.Topics(), []string{"room:1"}) || e.Topics().Subscribers("room:1") != 1 {
		t.Fatalf("membership not recorded")
	}

	if err := c.Unsubscribe("room:1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	mustOne(t, sock, "topic:unsubscribed")
	if len(c.Topics()) != 0 || e.Topics().Subscribers("room:1") != 0 {
		t.Fatalf("membership not removed")
	}
}

func TestSubscribeBuiltinEvents(t *testing.T) {
	e := NewEngine(Options{})
	c, sock := connectClient(t, e, "a", nil)
	ctx := context.Background()

	_ = e.HandleMessage(ctx, c, envelope(t, "topic:subscribe", map[string]string{"topic": "room:1"}, true))
	_ = e.HandleMessage(ctx, c, envelope(t, "topic:subscribe", "room:2", false))
	mustOne(t, sock, "ack_topic:subscribe")
	if got := sock.named(t, "topic:subscribed"); len(got) != 2 {
		t.Fatalf("expected two subscribed acks, got %+v", got)
	}

	_ = e.HandleMessage(ctx, c, envelope(t, "topic:unsubscribe", "room:2", false))
	if !reflect.DeepEqual(c.Topics(), []string{"room:1"}) {
		t.Fatalf("unexpected topics: %v", c.Topics())
	}

	sock.reset()
	_ = e.HandleMessage(ctx, c, envelope(t, "topic:subscribe", map[string]string{}, true))
	if ack := mustOne(t, sock, "ack_topic:subscribe"); ack.Error != "topic is required" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestToTopicIncludeSelf(t *testing.T) {
	e := NewEngine(Options{})
	a, sockA := connectClient(t, e, "a", nil)
	b, sockB := connectClient(t, e, "b", nil)
	_ = a.Subscribe("room:1")
	_ = b.Subscribe("room:1")
	sockA.reset()
	sockB.reset()

	if err := a.ToTopic("room:1", "hi", "x", false); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := sockA.named(t, "hi"); len(got) != 0 {
		t.Fatalf("publisher must not receive its own publication: %+v", got)
	}
	if ev := mustOne(t, sockB, "hi"); ev.Topic != "room:1" || string(ev.Data) != `"x"` {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := a.ToTopic("room:1", "again", "y", true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mustOne(t, sockA, "again")
	mustOne(t, sockB, "again")
}

func TestEmitToClosedSocket(t *testing.T) {
	e := NewEngine(Options{})
	c, sock := connectClient(t, e, "a", nil)
	_ = sock.Close()

	err := c.Emit("x", nil)
	if !IsCode(err, ErrCodeTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	c.Error(errors.New("ignored"))
}

func TestErrorNormalizesMessage(t *testing.T) {
	e := NewEngine(Options{})
	c, sock := connectClient(t, e, "a", nil)

	c.Error(ProtocolError(errors.New("bad shape")))
	if ev := mustOne(t, sock, "error"); ev.Error != "bad shape" {
		t.Fatalf("unexpected error event: %+v", ev)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	bus := NewTopicBus()
	a := NewLocalClient(context.Background(), NewBusConn("a", bus, &fakeSocket{}), "", &Identity{UserID: "u1"}, nil)
	b := NewLocalClient(context.Background(), NewBusConn("b", bus, &fakeSocket{}), "", nil, nil)
	if !r.Add(a) || !r.Add(b) {
		t.Fatalf("add failed")
	}
	if r.Add(NewLocalClient(context.Background(), NewBusConn("a", bus, &fakeSocket{}), "", nil, nil)) {
		t.Fatalf("a connected id must not be replaced")
	}

	if got, ok := r.Get("a"); !ok || got != a {
		t.Fatalf("get a failed")
	}
	if got := r.FindByUserID("u1"); len(got) != 1 || got[0] != a {
		t.Fatalf("unexpected find result: %v", got)
	}
	if got := r.FindByUserID(""); len(got) != 0 {
		t.Fatalf("anonymous clients must not match empty user id")
	}
	if !r.Remove("a") || r.Remove("a") {
		t.Fatalf("remove must be idempotent")
	}
	if r.Len() != 1 {
		t.Fatalf("unexpected len %d", r.Len())
	}
}
