// Package domain contains the core entities of the typing engine: the
// authenticated identity and connection model, reference texts, keystrokes,
// test sessions, races, and the metric snapshots derived from them.
package domain

import "time"

// Role is the authorization level carried by a verified Identity.
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// Identity is the stable, externally-verified principal behind a Connection.
// It is produced by the TokenVerifier collaborator and is read-only in the
// core engine.
type Identity struct {
	ID       string
	Username string
	Role     Role
	Avatar   string
}

// ConnectionStatus describes the liveness of a Connection.
type ConnectionStatus string

const (
	ConnectionActive ConnectionStatus = "active"
	ConnectionIdle   ConnectionStatus = "idle"
	ConnectionClosed ConnectionStatus = "closed"
)

// Connection is a single accepted transport-level session, owned exclusively
// by the Connection Registry.
type Connection struct {
	ID           string
	Identity     Identity
	CreatedAt    time.Time
	LastActivity time.Time
	RemoteAddr   string
	Status       ConnectionStatus
}

// Touch refreshes LastActivity to now.
func (c *Connection) Touch(now time.Time) {
	c.LastActivity = now
	c.Status = ConnectionActive
}

// IdleFor reports how long the connection has been without activity.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastActivity)
}
