package ws

import (
	"sort"
	"sync"

	"github.com/portrelay/relay/internal/model"
)

// Registry owns identity allocation and the identity -> client map.
// Identities come from a strictly increasing counter; after wrap-around the
// allocator skips zero and any identity that is still registered.
type Registry struct {
	mu      sync.RWMutex
	last    model.Identity
	clients map[model.Identity]*Client
}

// NewRegistry creates an empty registry. The first identity handed out is 1.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[model.Identity]*Client),
	}
}

// Add allocates a fresh identity for client and registers it.
func (r *Registry) Add(client *Client) model.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.last++
		if r.last == 0 {
			continue
		}
		if _, live := r.clients[r.last]; !live {
			break
		}
	}

	client.id = r.last
	r.clients[r.last] = client
	return r.last
}

// Remove deletes the record for id if it still points at client.
func (r *Registry) Remove(id model.Identity, client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.clients[id]
	if !ok || current != client {
		return false
	}
	delete(r.clients, id)
	return true
}

// Get returns the live client for id.
func (r *Registry) Get(id model.Identity) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// Identities returns the registered identities in ascending order.
func (r *Registry) Identities() []model.Identity {
	r.mu.RLock()
	ids := make([]model.Identity, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// snapshot returns the registered clients without removing them.
func (r *Registry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}
