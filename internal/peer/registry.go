package peer

import (
	"sort"
	"sync"
	"time"

	"copilotmesh/internal/transport"
)

// Connection is an authenticated link to one peer. UserID and DeviceID
// are what the peer presented in its handshake; a controller that has only
// introduced itself records them empty.
type Connection struct {
	Peer            transport.PeerID
	Session         string
	UserID          string
	DeviceID        string
	AuthenticatedAt time.Time
}

// Registry holds at most one Connection per peer.
type Registry struct {
	mu    sync.RWMutex
	conns map[transport.PeerID]Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[transport.PeerID]Connection)}
}

// Upsert stores c, replacing any entry for the same peer. It reports
// whether an entry was replaced.
func (r *Registry) Upsert(c Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.conns[c.Peer]
	r.conns[c.Peer] = c
	return replaced
}

// Remove deletes the entry for id and reports whether one existed.
func (r *Registry) Remove(id transport.PeerID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

func (r *Registry) Find(id transport.PeerID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// List returns a snapshot sorted by peer id.
func (r *Registry) List() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
