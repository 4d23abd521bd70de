package domain

import "time"

// RaceStatus is the lifecycle state of a Race (§4.6). Transitions move
// forward, waiting -> countdown -> active -> completed|cancelled, except that
// countdown may fall back to waiting (see CanTransition).
type RaceStatus string

const (
	RaceWaiting    RaceStatus = "waiting"
	RaceCountdown  RaceStatus = "countdown"
	RaceActive     RaceStatus = "active"
	RaceCompleted  RaceStatus = "completed"
	RaceCancelled  RaceStatus = "cancelled"
)

// statusRank orders the statuses by lifecycle stage, with completed and
// cancelled sharing the terminal rank. Nothing reads it: CanTransition
// encodes the legal steps directly.
var statusRank = map[RaceStatus]int{
	RaceWaiting:   0,
	RaceCountdown: 1,
	RaceActive:    2,
	RaceCompleted: 3,
	RaceCancelled: 3,
}

// CanTransition reports whether moving from `from` to `to` is a legal
// Race lifecycle step. The one permitted "downgrade" is countdown -> waiting,
// when the roster drops below min_players before countdown completes (§9
// "countdown downgrade" design note) — every other backward move is a
// regression.
func CanTransition(from, to RaceStatus) bool {
	switch to {
	case RaceWaiting:
		return from == RaceCountdown
	case RaceCountdown:
		return from == RaceWaiting
	case RaceActive:
		return from == RaceCountdown
	case RaceCompleted:
		return from == RaceActive
	case RaceCancelled:
		return from == RaceWaiting || from == RaceCountdown || from == RaceActive
	default:
		return false
	}
}

// PlayerProgress tracks one player's state within a Race. It never holds a
// back-reference to the Race; the engine passes the parent in when needed
// (§9 "cyclic ownership" redesign note).
type PlayerProgress struct {
	Identity Identity
	JoinedAt time.Time

	Position int
	WPM      int
	Accuracy int
	Errors   int

	Finished   bool
	FinishedAt time.Time
	FinishMS   int64
	Rank       int

	Disconnected bool
}

// Race is a multiplayer typing race, owned exclusively by its Race Engine
// instance.
type Race struct {
	ID         string
	RoomCode   string
	Name       string
	Mode       TestMode
	Limit      int // seconds (time) or word count (words)
	Reference  ReferenceText

	Roster     map[string]*PlayerProgress // identity id -> progress
	JoinOrder  []string                   // identity ids in join order, for stable tie-breaks

	MaxPlayers int
	MinPlayers int
	Visibility string // "public" or "private"
	CreatedBy  string

	Status RaceStatus

	CreatedAt      time.Time
	CountdownStart time.Time
	StartedAt      time.Time
	EndedAt        time.Time

	FirstFinisherAt time.Time
	GraceDeadline   time.Time
	nextRank        int
}

// NewRace constructs an empty Race in the waiting state.
func NewRace(id, roomCode, name string, mode TestMode, limit, maxPlayers, minPlayers int, visibility, createdBy string, ref ReferenceText, now time.Time) *Race {
	if minPlayers <= 0 {
		minPlayers = 2
	}
	return &Race{
		ID:         id,
		RoomCode:   roomCode,
		Name:       name,
		Mode:       mode,
		Limit:      limit,
		Reference:  ref,
		Roster:     make(map[string]*PlayerProgress),
		MaxPlayers: maxPlayers,
		MinPlayers: minPlayers,
		Visibility: visibility,
		CreatedBy:  createdBy,
		Status:     RaceWaiting,
		CreatedAt:  now,
		nextRank:   1,
	}
}

// Transition moves the race to `to`, returning false if the move would
// regress the lifecycle.
func (r *Race) Transition(to RaceStatus) bool {
	if !CanTransition(r.Status, to) {
		return false
	}
	r.Status = to
	return true
}

// NextRank allocates and returns the next free finishing rank.
func (r *Race) NextRank() int {
	rank := r.nextRank
	r.nextRank++
	return rank
}

// Full reports whether the roster has reached MaxPlayers.
func (r *Race) Full() bool {
	return len(r.Roster) >= r.MaxPlayers
}
