package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/typeclash/internal/domain"
)

func newConn(id, identityID string) *domain.Connection {
	return &domain.Connection{
		ID:           id,
		Identity:     domain.Identity{ID: identityID, Username: identityID},
		CreatedAt:    time.Unix(0, 0),
		LastActivity: time.Unix(0, 0),
		Status:       domain.ConnectionActive,
	}
}

func TestRegister_IndexesByIdentity(t *testing.T) {
	r := New()
	r.Register(newConn("c1", "alice"))
	r.Register(newConn("c2", "alice"))
	r.Register(newConn("c3", "bob"))

	assert.Equal(t, 2, r.CountOf("alice"))
	assert.Equal(t, 1, r.CountOf("bob"))
	assert.Equal(t, 3, r.Len())
	assert.True(t, r.IsOnline("alice"))
	assert.False(t, r.IsOnline("carol"))
}

func TestUnregister_RemovesFromBothIndexes(t *testing.T) {
	r := New()
	r.Register(newConn("c1", "alice"))
	r.Register(newConn("c2", "alice"))

	r.Unregister("c1")

	_, ok := r.Get("c1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.CountOf("alice"))

	r.Unregister("c2")
	assert.Equal(t, 0, r.CountOf("alice"))
	assert.False(t, r.IsOnline("alice"))
}

func TestUnregister_UnknownIDIsNoop(t *testing.T) {
	r := New()
	r.Unregister("ghost")
	assert.Equal(t, 0, r.Len())
}

func TestConnectionsOf_ReturnsSnapshot(t *testing.T) {
	r := New()
	r.Register(newConn("c1", "alice"))
	r.Register(newConn("c2", "alice"))

	ids := r.ConnectionsOf("alice")
	require.Len(t, ids, 2)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
}

func TestSnapshot_IsIndependentOfLiveMap(t *testing.T) {
	r := New()
	r.Register(newConn("c1", "alice"))

	snap := r.Snapshot()
	r.Register(newConn("c2", "bob"))

	assert.Len(t, snap, 1)
	assert.Equal(t, 2, r.Len())
}
