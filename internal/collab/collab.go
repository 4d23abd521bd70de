// Package collab defines the external collaborator contracts the core
// engines consume (§6) — TokenVerifier, WordSource, ResultSink, FriendGraph
// — plus reference implementations cmd/server wires up when no production
// collaborator is configured.
package collab

import (
	"context"
	"time"

	"github.com/ashureev/typeclash/internal/domain"
)

// VerifiedIdentity is what a TokenVerifier resolves a bearer credential to.
type VerifiedIdentity struct {
	IdentityID string
	Username   string
	Role       domain.Role
	Avatar     string
}

// TokenVerifier validates a bearer credential presented at handshake (§4.8).
type TokenVerifier interface {
	Verify(ctx context.Context, bearer string) (VerifiedIdentity, error)
}

// WordRequest parameterizes a WordSource fetch.
type WordRequest struct {
	ListID   string
	Language string
	Count    int
	Mode     domain.TestMode
}

// WordSource supplies the token sequence backing a Reference Text.
type WordSource interface {
	Fetch(ctx context.Context, req WordRequest) ([]string, error)
}

// TestResult is the authoritative record of one completed Test Session.
type TestResult struct {
	SessionID   string
	IdentityID  string
	Mode        domain.TestMode
	Limit       int
	WPM         int
	RawWPM      int
	Accuracy    int
	Consistency int
	Errors      int
	ElapsedMS   int64
	CompletedAt time.Time
}

// RaceResult is the authoritative record of one player's finish in a Race.
type RaceResult struct {
	RaceID      string
	IdentityID  string
	Mode        domain.TestMode
	Limit       int
	WPM         int
	Accuracy    int
	Errors      int
	Rank        int
	FinishMS    int64
	CompletedAt time.Time
}

// ResultSink persists authoritative completion records. Record must be
// idempotent on (session/race id, identity id) — §8 idempotence law.
type ResultSink interface {
	RecordTest(ctx context.Context, result TestResult) error
	RecordRace(ctx context.Context, result RaceResult) error
}

// FriendGraph answers read-only friend lookups; implementations may cache.
type FriendGraph interface {
	FriendsOf(ctx context.Context, identityID string) ([]string, error)
}
