package collab

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// friendEntry is a cached FriendsOf lookup with an expiry, since a raw LRU
// has no TTL concept of its own.
type friendEntry struct {
	friends []string
	expires time.Time
}

// CachedFriendGraph wraps a FriendGraph with a read-through LRU cache,
// matching §6's "read-only; may be cached" note.
type CachedFriendGraph struct {
	upstream FriendGraph
	cache    *lru.Cache[string, friendEntry]
	ttl      time.Duration
}

// NewCachedFriendGraph wraps upstream with an LRU cache of the given size
// and per-entry TTL.
func NewCachedFriendGraph(upstream FriendGraph, size int, ttl time.Duration) (*CachedFriendGraph, error) {
	cache, err := lru.New[string, friendEntry](size)
	if err != nil {
		return nil, err
	}
	return &CachedFriendGraph{upstream: upstream, cache: cache, ttl: ttl}, nil
}

// FriendsOf implements FriendGraph, serving from cache when the entry
// hasn't expired and falling through to the upstream collaborator
// otherwise.
func (c *CachedFriendGraph) FriendsOf(ctx context.Context, identityID string) ([]string, error) {
	if entry, ok := c.cache.Get(identityID); ok && time.Now().Before(entry.expires) {
		return entry.friends, nil
	}

	friends, err := c.upstream.FriendsOf(ctx, identityID)
	if err != nil {
		return nil, err
	}

	c.cache.Add(identityID, friendEntry{friends: friends, expires: time.Now().Add(c.ttl)})
	return friends, nil
}

// StaticFriendGraph is a trivial in-memory FriendGraph, useful for local
// development and tests when no production friend service is configured.
type StaticFriendGraph struct {
	friends map[string][]string
}

// NewStaticFriendGraph builds a FriendGraph from a fixed adjacency map.
func NewStaticFriendGraph(friends map[string][]string) *StaticFriendGraph {
	return &StaticFriendGraph{friends: friends}
}

// FriendsOf implements FriendGraph.
func (s *StaticFriendGraph) FriendsOf(ctx context.Context, identityID string) ([]string, error) {
	return s.friends[identityID], nil
}
