package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Parent is the address of the supervising process.
const Parent = "parent"

// ErrUnknownTarget is returned when no process is registered under the target id.
var ErrUnknownTarget = errors.New("unknown ipc target")

// ControlHandler receives messages addressed to the parent. msg.From is the sender's id.
type ControlHandler func(msg Message)

// Router forwards messages between the registered processes of one host.
type Router struct {
	mu      sync.RWMutex
	procs   map[string]Process
	control ControlHandler
	log     *zerolog.Logger
	wg      sync.WaitGroup
}

// NewRouter builds a router. control may be nil, in which case parent-bound messages are dropped.
func NewRouter(control ControlHandler, logger *zerolog.Logger) *Router {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Router{
		procs:   make(map[string]Process),
		control: control,
		log:     logger,
	}
}

// Register records p under id and starts listening to it. The entry is removed when p's
// message channel closes. Registering a taken id fails.
func (r *Router) Register(id string, p Process) error {
	if id == "" || id == Parent {
		return fmt.Errorf("invalid process id %q", id)
	}
	r.mu.Lock()
	if _, exists := r.procs[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("process %q already registered", id)
	}
	r.procs[id] = p
	r.mu.Unlock()

	r.wg.Add(1)
	go r.listen(id, p)
	r.log.Debug().Str("process", id).Msg("ipc process registered")
	return nil
}

func (r *Router) listen(id string, p Process) {
	defer r.wg.Done()
	for msg := range p.Messages() {
		msg.From = id
		if msg.Target == "" || msg.Target == Parent {
			if r.control != nil {
				r.control(msg)
			}
			continue
		}
		if err := r.forward(msg); err != nil {
			r.log.Warn().Err(err).Str("from", id).Str("target", msg.Target).Str("event", msg.Event).Msg("ipc route failed")
		}
	}

	r.mu.Lock()
	if r.procs[id] == p {
		delete(r.procs, id)
	}
	r.mu.Unlock()
	r.log.Debug().Str("process", id).Msg("ipc process gone")
}

// Route sends event to the process registered as target on behalf of the parent.
func (r *Router) Route(target, event string, payload any) error {
	msg := Message{Target: target, From: Parent, Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		msg.Payload = raw
	}
	if err := r.forward(msg); err != nil {
		r.log.Warn().Err(err).Str("target", target).Str("event", event).Msg("ipc route failed")
		return err
	}
	return nil
}

// Broadcast sends event to every registered process except the one named except.
func (r *Router) Broadcast(event string, payload any, except string) int {
	sent := 0
	for _, id := range r.IDs() {
		if id == except {
			continue
		}
		if err := r.Route(id, event, payload); err == nil {
			sent++
		}
	}
	return sent
}

func (r *Router) forward(msg Message) error {
	r.mu.RLock()
	p, ok := r.procs[msg.Target]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.Target)
	}
	return p.Send(msg)
}

// Unregister forgets id. The listener exits when the process's channel closes.
func (r *Router) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[id]; !ok {
		return false
	}
	delete(r.procs, id)
	return true
}

// IDs lists registered process ids in sorted order.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every listener has exited.
func (r *Router) Wait() {
	r.wg.Wait()
}
