package core

import "sync"

// Registry maps connection ids to the clients connected to this process.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*LocalClient
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*LocalClient)}
}

// Add registers c. It reports false and leaves the registry unchanged when the id is
// already connected.
func (r *Registry) Add(c *LocalClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.clients[c.ID()]; taken {
		return false
	}
	r.clients[c.ID()] = c
	return true
}

// Get looks up a client by connection id.
func (r *Registry) Get(id string) (*LocalClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Remove deletes a client. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

// FindByUserID scans local clients for userID.
func (r *Registry) FindByUserID(userID string) []*LocalClient {
	if userID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*LocalClient
	for _, c := range r.clients {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot returns the clients connected right now.
func (r *Registry) Snapshot() []*LocalClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LocalClient, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
