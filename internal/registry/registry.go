// Package registry is the process-wide Connection Registry (§4.3): tracks
// every live connection and maintains a secondary index from identity to its
// connections, so the router can enforce max-connections-per-identity and
// other packages can answer "is this identity online" without scanning.
package registry

import (
	"log/slog"
	"sync"

	"github.com/ashureev/typeclash/internal/domain"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*domain.Connection
	byIdentity  map[string]map[string]struct{} // identityID -> set of connection IDs
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		connections: make(map[string]*domain.Connection),
		byIdentity:  make(map[string]map[string]struct{}),
	}
}

// Register adds a connection to the registry and indexes it by identity.
func (r *Registry) Register(conn *domain.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID] = conn

	identityID := conn.Identity.ID
	if r.byIdentity[identityID] == nil {
		r.byIdentity[identityID] = make(map[string]struct{})
	}
	r.byIdentity[identityID][conn.ID] = struct{}{}

	slog.Debug("connection registered", "connection_id", conn.ID, "identity_id", identityID)
}

// Unregister removes a connection from the registry.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return
	}
	delete(r.connections, connID)

	identityID := conn.Identity.ID
	if set, ok := r.byIdentity[identityID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIdentity, identityID)
		}
	}

	slog.Debug("connection unregistered", "connection_id", connID, "identity_id", identityID)
}

// Get returns the connection for an id, if still registered.
func (r *Registry) Get(connID string) (*domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// ConnectionsOf returns a snapshot of connection ids owned by an identity.
func (r *Registry) ConnectionsOf(identityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.byIdentity[identityID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// CountOf returns the number of connections currently owned by an identity,
// used to enforce max_connections_per_identity (§6).
func (r *Registry) CountOf(identityID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID])
}

// IsOnline reports whether an identity has at least one live connection.
func (r *Registry) IsOnline(identityID string) bool {
	return r.CountOf(identityID) > 0
}

// Snapshot returns a point-in-time copy of all registered connections, safe
// to iterate without holding the registry's lock.
func (r *Registry) Snapshot() []*domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// Len reports the total number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
