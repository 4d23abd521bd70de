// Package raceengine implements the Race Engine (§4.6): multiplayer race
// lifecycle, the countdown scheduler, progress ingestion, grace windows, and
// final ranking.
package raceengine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/typeclash/internal/collab"
	"github.com/ashureev/typeclash/internal/config"
	"github.com/ashureev/typeclash/internal/domain"
	"github.com/ashureev/typeclash/internal/room"
	"github.com/ashureev/typeclash/internal/wsproto"
)

// Publisher is the narrow room-fabric surface the engine needs. Matches
// *room.Fabric.
type Publisher interface {
	Publish(name string, msg room.Message)
}

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const roomCodeLength = 6

var (
	// ErrRaceNotFound is returned when a race id has no live entry.
	ErrRaceNotFound = fmt.Errorf("race not found")
	// ErrRaceFull is returned when joining a race at max_players.
	ErrRaceFull = fmt.Errorf("race is full")
	// ErrRaceStarted is returned when joining a race that is already active
	// or finished; joins are accepted while waiting or in countdown.
	ErrRaceStarted = fmt.Errorf("race has already started")
	// ErrNotInRace is returned when a caller not in the roster attempts a
	// roster-scoped action.
	ErrNotInRace = fmt.Errorf("identity is not in this race")
	// ErrRaceNotActive is returned when progress arrives outside `active`.
	ErrRaceNotActive = fmt.Errorf("race is not active")
)

type raceEntry struct {
	mu                  sync.Mutex
	race                *domain.Race
	lastCountdownSecond int
}

// Engine owns every live Race, each serialized by its own entry mutex.
type Engine struct {
	mapMu   sync.RWMutex
	races   map[string]*raceEntry
	byCode  map[string]string // room code -> race id

	words collab.WordSource
	sink  collab.ResultSink
	pub   Publisher
	cfg   config.RaceConfig
	tocfg config.TimeoutConfig

	rngMu sync.Mutex
	rng   *mathRand
}

// New builds a Race Engine.
func New(words collab.WordSource, sink collab.ResultSink, pub Publisher, cfg config.RaceConfig, tocfg config.TimeoutConfig) *Engine {
	return &Engine{
		races:  make(map[string]*raceEntry),
		byCode: make(map[string]string),
		words:  words,
		sink:   sink,
		pub:    pub,
		cfg:    cfg,
		tocfg:  tocfg,
		rng:    newMathRand(),
	}
}

func (e *Engine) get(raceID string) *raceEntry {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	return e.races[raceID]
}

// CreateRequest parameterizes Create; mirrors wsproto.RaceCreatePayload
// without importing it, keeping the engine decoupled from the wire schema.
type CreateRequest struct {
	Name       string
	Mode       domain.TestMode
	Duration   int
	WordCount  int
	MaxPlayers int
	WordListID string
	IsPrivate  bool
}

// Create implements `race:create` (§4.6). The caller is assigned as the
// first player.
func (e *Engine) Create(ctx context.Context, connID string, owner domain.Identity, req CreateRequest, now time.Time) (*domain.Race, error) {
	count := req.WordCount
	if req.Mode == domain.TestModeTime {
		count = wordCountForTimedRace(req.Duration)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.tocfg.WordFetch)
	defer cancel()

	tokens, err := e.words.Fetch(fetchCtx, collab.WordRequest{
		ListID: req.WordListID, Count: count, Mode: req.Mode,
	})
	if err != nil || len(tokens) == 0 {
		return nil, fmt.Errorf("no word lists available")
	}

	code := e.newRoomCode()
	limit := req.Duration
	if req.Mode == domain.TestModeWords {
		limit = req.WordCount
	}

	visibility := "public"
	if req.IsPrivate {
		visibility = "private"
	}

	r := domain.NewRace(uuid.NewString(), code, req.Name, req.Mode, limit, req.MaxPlayers, 2, visibility, owner.ID, domain.NewReferenceText(tokens), now)
	r.Roster[owner.ID] = &domain.PlayerProgress{Identity: owner, JoinedAt: now}
	r.JoinOrder = append(r.JoinOrder, owner.ID)

	ent := &raceEntry{race: r, lastCountdownSecond: -1}

	e.mapMu.Lock()
	e.races[r.ID] = ent
	e.byCode[code] = r.ID
	e.mapMu.Unlock()

	e.pub.Publish(fmt.Sprintf("user:%s", owner.ID), room.Message{
		Event: wsproto.EventRaceCreated,
		Payload: wsproto.NewOutbound(wsproto.EventRaceCreated, wsproto.RaceCreatedPayload{
			RaceID: r.ID, RoomCode: r.RoomCode, Name: r.Name,
		}, now),
	})

	return r, nil
}

func wordCountForTimedRace(durationSeconds int) int {
	const wordsPerSecond = 3
	count := durationSeconds * wordsPerSecond
	if count < 20 {
		count = 20
	}
	return count
}

func (e *Engine) newRoomCode() string {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	buf := make([]byte, roomCodeLength)
	for {
		for i := range buf {
			buf[i] = roomCodeAlphabet[e.rng.Intn(len(roomCodeAlphabet))]
		}
		code := string(buf)
		e.mapMu.RLock()
		_, taken := e.byCode[code]
		e.mapMu.RUnlock()
		if !taken {
			return code
		}
	}
}

// Join implements `race:join` (§4.6, §8 "duplicate join is a no-op").
func (e *Engine) Join(ctx context.Context, connID string, identity domain.Identity, raceID string, now time.Time) (*domain.Race, error) {
	ent := e.get(raceID)
	if ent == nil {
		return nil, ErrRaceNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	r := ent.race

	if existing, ok := r.Roster[identity.ID]; ok {
		_ = existing
		return r, nil // duplicate join: no-op, returns current state
	}

	if r.Status != domain.RaceWaiting && r.Status != domain.RaceCountdown {
		return nil, ErrRaceStarted
	}
	if r.Full() {
		return nil, ErrRaceFull
	}

	r.Roster[identity.ID] = &domain.PlayerProgress{Identity: identity, JoinedAt: now}
	r.JoinOrder = append(r.JoinOrder, identity.ID)

	e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
		Event: wsproto.EventRacePlayerJoined,
		Payload: wsproto.NewOutbound(wsproto.EventRacePlayerJoined, wsproto.RacePlayerJoinedPayload{
			RaceID: r.ID, IdentityID: identity.ID, Username: identity.Username,
		}, now),
	})

	e.pub.Publish(fmt.Sprintf("user:%s", identity.ID), room.Message{
		Event: wsproto.EventRaceJoined,
		Payload: wsproto.NewOutbound(wsproto.EventRaceJoined, wsproto.RaceJoinedPayload{
			RaceID: r.ID, Name: r.Name, Mode: string(r.Mode), Limit: r.Limit,
			Status: string(r.Status), ReferenceText: r.Reference.Joined, Roster: e.rosterView(r),
		}, now),
	})

	if len(r.Roster) >= r.MinPlayers && r.Status == domain.RaceWaiting {
		e.startCountdown(ent, now)
	}

	return r, nil
}

// startCountdown transitions a waiting race to countdown and publishes
// race:start. Must be called with ent.mu held.
func (e *Engine) startCountdown(ent *raceEntry, now time.Time) {
	r := ent.race
	if !r.Transition(domain.RaceCountdown) {
		slog.Error("race engine: illegal transition to countdown", "race_id", r.ID, "from", r.Status)
		return
	}
	r.CountdownStart = now
	ent.lastCountdownSecond = -1

	e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
		Event: wsproto.EventRaceStart,
		Payload: wsproto.NewOutbound(wsproto.EventRaceStart, wsproto.RaceStartPayload{
			RaceID:           r.ID,
			CountdownSeconds: int(math.Ceil(e.cfg.CountdownDuration.Seconds())),
			ReferenceText:    r.Reference.Joined,
			Tokens:           r.Reference.Tokens,
		}, now),
	})
}

// Leave implements `race:leave` and disconnects. During waiting/countdown the
// player is fully removed from the roster; during active, progress freezes
// in place and the player is flagged disconnected (§5 "disconnect during
// active freezes progress").
func (e *Engine) Leave(identityID, raceID string, now time.Time) error {
	ent := e.get(raceID)
	if ent == nil {
		return ErrRaceNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	r := ent.race

	progress, ok := r.Roster[identityID]
	if !ok {
		return ErrNotInRace
	}

	switch r.Status {
	case domain.RaceWaiting, domain.RaceCountdown:
		delete(r.Roster, identityID)
		r.JoinOrder = removeFromOrder(r.JoinOrder, identityID)

		e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
			Event: wsproto.EventRacePlayerLeft,
			Payload: wsproto.NewOutbound(wsproto.EventRacePlayerLeft, wsproto.RacePlayerLeftPayload{
				RaceID: r.ID, IdentityID: identityID,
			}, now),
		})

		if len(r.Roster) == 0 {
			e.cancel(ent, now)
		} else if r.Status == domain.RaceCountdown && len(r.Roster) < r.MinPlayers {
			e.downgradeCountdown(ent, now)
		}
	default:
		progress.Disconnected = true
	}

	return nil
}

func removeFromOrder(order []string, id string) []string {
	out := order[:0]
	for _, existing := range order {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// downgradeCountdown cancels an in-progress countdown and returns the race
// to waiting (§9 "countdown downgrade"). Must be called with ent.mu held.
func (e *Engine) downgradeCountdown(ent *raceEntry, now time.Time) {
	r := ent.race
	if !r.Transition(domain.RaceWaiting) {
		slog.Error("race engine: illegal countdown downgrade", "race_id", r.ID)
		return
	}
	r.CountdownStart = time.Time{}
	ent.lastCountdownSecond = -1
}

// cancel transitions the race to cancelled. Must be called with ent.mu held.
func (e *Engine) cancel(ent *raceEntry, now time.Time) {
	r := ent.race
	if !r.Transition(domain.RaceCancelled) {
		return
	}
	r.EndedAt = now
}

// Tick drives the race engine's logical clock: 1-second countdown ticks,
// time-mode hard timeouts, and grace-window expiry (§4.6, §5 "single
// per-race logical clock").
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.mapMu.RLock()
	entries := make([]*raceEntry, 0, len(e.races))
	for _, ent := range e.races {
		entries = append(entries, ent)
	}
	e.mapMu.RUnlock()

	for _, ent := range entries {
		ent.mu.Lock()
		e.tickOne(ctx, ent, now)
		ent.mu.Unlock()
	}
}

func (e *Engine) tickOne(ctx context.Context, ent *raceEntry, now time.Time) {
	r := ent.race

	switch r.Status {
	case domain.RaceCountdown:
		remaining := e.cfg.CountdownDuration - now.Sub(r.CountdownStart)
		secRemaining := int(math.Ceil(remaining.Seconds()))
		if secRemaining <= 0 {
			e.beginRace(ent, now)
			return
		}
		if secRemaining != ent.lastCountdownSecond {
			ent.lastCountdownSecond = secRemaining
			e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
				Event: wsproto.EventRaceCountdown,
				Payload: wsproto.NewOutbound(wsproto.EventRaceCountdown, wsproto.RaceCountdownPayload{
					RaceID: r.ID, SecondsRemaining: secRemaining,
				}, now),
			})
		}
	case domain.RaceActive:
		if r.Mode == domain.TestModeTime && now.Sub(r.StartedAt).Seconds() >= float64(r.Limit) {
			e.completeRace(ctx, ent, now)
			return
		}
		if !r.GraceDeadline.IsZero() && !now.Before(r.GraceDeadline) {
			e.completeRace(ctx, ent, now)
		}
	}
}

// beginRace transitions countdown -> active. Must be called with ent.mu held.
func (e *Engine) beginRace(ent *raceEntry, now time.Time) {
	r := ent.race
	if !r.Transition(domain.RaceActive) {
		slog.Error("race engine: illegal transition to active", "race_id", r.ID, "from", r.Status)
		return
	}
	r.StartedAt = now

	e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
		Event: wsproto.EventRaceBegin,
		Payload: wsproto.NewOutbound(wsproto.EventRaceBegin, wsproto.RaceBeginPayload{RaceID: r.ID}, now),
	})
}

// ProgressRequest mirrors wsproto.RaceProgressPayload.
type ProgressRequest struct {
	RaceID     string
	Position   int
	WPM        int
	Accuracy   int
	Errors     int
	IsFinished bool
}

// Progress implements `race:progress` (§4.6).
func (e *Engine) Progress(ctx context.Context, identity domain.Identity, req ProgressRequest, now time.Time) error {
	ent := e.get(req.RaceID)
	if ent == nil {
		return ErrRaceNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	r := ent.race

	if r.Status != domain.RaceActive {
		return ErrRaceNotActive
	}
	progress, ok := r.Roster[identity.ID]
	if !ok {
		return ErrNotInRace
	}

	progress.Position = req.Position
	progress.WPM = capInt(req.WPM, e.cfg.MaxWPMCeiling)
	progress.Accuracy = capInt(req.Accuracy, 100)
	progress.Errors = req.Errors

	if req.IsFinished && !progress.Finished {
		progress.Finished = true
		progress.FinishedAt = now
		progress.FinishMS = now.Sub(r.StartedAt).Milliseconds()
		progress.Rank = r.NextRank()

		e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
			Event: wsproto.EventRacePlayerFinished,
			Payload: wsproto.NewOutbound(wsproto.EventRacePlayerFinished, wsproto.RacePlayerFinishedPayload{
				RaceID: r.ID, IdentityID: identity.ID, Rank: progress.Rank,
			}, now),
		})

		if r.Mode == domain.TestModeWords && r.FirstFinisherAt.IsZero() {
			r.FirstFinisherAt = now
			r.GraceDeadline = now.Add(e.cfg.GraceWindowMax)
		}
	}

	e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
		Event:   wsproto.EventRaceProgressUpdate,
		Payload: wsproto.NewOutbound(wsproto.EventRaceProgressUpdate, wsproto.RaceProgressUpdatePayload{RaceID: r.ID, Roster: e.rosterView(r)}, now),
	})

	if allFinished(r) {
		e.completeRace(ctx, ent, now)
	}

	return nil
}

func capInt(v, max int) int {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

func allFinished(r *domain.Race) bool {
	for _, p := range r.Roster {
		if !p.Finished {
			return false
		}
	}
	return true
}

func (e *Engine) rosterView(r *domain.Race) []wsproto.RacePlayerView {
	out := make([]wsproto.RacePlayerView, 0, len(r.JoinOrder))
	for _, id := range r.JoinOrder {
		p, ok := r.Roster[id]
		if !ok {
			continue
		}
		out = append(out, wsproto.RacePlayerView{
			IdentityID: p.Identity.ID, Username: p.Identity.Username,
			Position: p.Position, WPM: p.WPM, Accuracy: p.Accuracy, Errors: p.Errors,
			Finished: p.Finished, Rank: p.Rank,
		})
	}
	return out
}

// completeRace transitions active -> completed, assigns final ranks, and
// hands off to the Result Sink. Must be called with ent.mu held.
func (e *Engine) completeRace(ctx context.Context, ent *raceEntry, now time.Time) {
	r := ent.race
	if !r.Transition(domain.RaceCompleted) {
		slog.Error("race engine: illegal transition to completed", "race_id", r.ID, "from", r.Status)
		return
	}
	r.EndedAt = now

	assignFinalRanks(r)

	rankings := e.rosterView(r)
	var winnerID string
	for _, p := range rankings {
		if p.Rank == 1 {
			winnerID = p.IdentityID
			break
		}
	}

	e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
		Event:    wsproto.EventRaceCompleted,
		Critical: true,
		Payload: wsproto.NewOutbound(wsproto.EventRaceCompleted, wsproto.RaceCompletedPayload{
			RaceID: r.ID, WinnerID: winnerID, Rankings: rankings,
		}, now),
	})

	for _, id := range r.JoinOrder {
		p, ok := r.Roster[id]
		if !ok {
			continue
		}
		sinkCtx, cancel := context.WithTimeout(ctx, e.tocfg.ResultSink)
		err := e.sink.RecordRace(sinkCtx, collab.RaceResult{
			RaceID: r.ID, IdentityID: p.Identity.ID, Mode: r.Mode, Limit: r.Limit,
			WPM: p.WPM, Accuracy: p.Accuracy, Errors: p.Errors, Rank: p.Rank,
			FinishMS: p.FinishMS, CompletedAt: now,
		})
		cancel()
		if err != nil {
			slog.Warn("race result sink record failed", "race_id", r.ID, "identity_id", p.Identity.ID, "error", err)
		}
	}
}

// assignFinalRanks orders the roster by (finish time asc, wpm desc, errors
// asc, identity id asc) for finishers, with DNF players ranked after all
// finishers by the same wpm/errors/id tie-break (§4.6 "Completion", §8
// scenario 2 tie-break law).
func assignFinalRanks(r *domain.Race) {
	players := make([]*domain.PlayerProgress, 0, len(r.Roster))
	for _, p := range r.Roster {
		players = append(players, p)
	}

	sort.Slice(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.Finished != b.Finished {
			return a.Finished // finishers sort before DNFs
		}
		if a.Finished && b.Finished && a.FinishMS != b.FinishMS {
			return a.FinishMS < b.FinishMS
		}
		if a.WPM != b.WPM {
			return a.WPM > b.WPM
		}
		if a.Errors != b.Errors {
			return a.Errors < b.Errors
		}
		return a.Identity.ID < b.Identity.ID
	})

	for i, p := range players {
		p.Rank = i + 1
	}
}

// Message implements `race:message` (§4.6 "Chat").
func (e *Engine) Message(identity domain.Identity, raceID, text string, now time.Time) error {
	ent := e.get(raceID)
	if ent == nil {
		return ErrRaceNotFound
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	r := ent.race

	if _, ok := r.Roster[identity.ID]; !ok {
		return ErrNotInRace
	}

	e.pub.Publish(fmt.Sprintf("race:%s", r.ID), room.Message{
		Event: wsproto.EventRaceMessageReceived,
		Payload: wsproto.NewOutbound(wsproto.EventRaceMessageReceived, wsproto.RaceMessageReceivedPayload{
			RaceID: r.ID, IdentityID: identity.ID, Username: identity.Username, Message: text,
		}, now),
	})
	return nil
}

// AllowSpectators reports the current spectator policy toggle (§4.6
// "Spectator rules").
func (e *Engine) AllowSpectators() bool {
	return e.cfg.AllowSpectators
}

// Housekeep cancels waiting, countdown or active races older than
// WaitingTTL (measured from creation) and evicts
// terminal races past EvictionDelay (§5 "Eviction").
func (e *Engine) Housekeep(now time.Time) {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	for id, ent := range e.races {
		ent.mu.Lock()
		r := ent.race

		switch r.Status {
		case domain.RaceWaiting, domain.RaceCountdown, domain.RaceActive:
			if now.Sub(r.CreatedAt) >= e.cfg.WaitingTTL {
				e.cancel(ent, now)
			}
		case domain.RaceCompleted, domain.RaceCancelled:
			if !r.EndedAt.IsZero() && now.Sub(r.EndedAt) >= e.cfg.EvictionDelay {
				delete(e.races, id)
				delete(e.byCode, r.RoomCode)
			}
		}
		ent.mu.Unlock()
	}
}

// Snapshot returns a copy of the race for read-only inspection.
func (e *Engine) Snapshot(raceID string) *domain.Race {
	ent := e.get(raceID)
	if ent == nil {
		return nil
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	cp := *ent.race
	return &cp
}

// Len reports the number of tracked races.
func (e *Engine) Len() int {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	return len(e.races)
}

// mathRand is a tiny seedable PRNG wrapper so room-code generation doesn't
// need a full math/rand import cycle with global state across tests.
type mathRand struct {
	state uint64
}

func newMathRand() *mathRand {
	var seed [8]byte
	_, _ = rand.Read(seed[:])
	state := uint64(0)
	for _, b := range seed {
		state = state<<8 | uint64(b)
	}
	if state == 0 {
		state = 1
	}
	return &mathRand{state: state}
}

// Intn returns a non-negative pseudo-random number in [0,n) using an
// xorshift64 generator, adequate for non-adversarial room codes.
func (m *mathRand) Intn(n int) int {
	m.state ^= m.state << 13
	m.state ^= m.state >> 7
	m.state ^= m.state << 17
	return int(m.state % uint64(n))
}
